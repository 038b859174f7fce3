package wearcore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wearcore/auth"
	"github.com/opd-ai/wearcore/chunked"
	"github.com/opd-ai/wearcore/config"
	"github.com/opd-ai/wearcore/crypto"
	"github.com/opd-ai/wearcore/limits"
	"github.com/opd-ai/wearcore/tlv"
	"github.com/opd-ai/wearcore/transport"
	"github.com/opd-ai/wearcore/wireerr"
)

// ErrNotAuthenticated is returned when an application message is sent before
// the handshake has succeeded.
var ErrNotAuthenticated = wireerr.New(wireerr.KindProtocolState, "wearcore.Send", "connection not authenticated")

// Callback types.
type (
	MessageCallback            func(logicalType uint16, payload []byte)
	AuthenticatedCallback      func()
	AuthenticationFailCallback func(reason auth.FailureReason, err error)
	MTUCallback                func(mtu int)
	SessionEndedCallback       func()
)

// ConnectionStats counts connection activity.
type ConnectionStats struct {
	Decoder       chunked.DecoderStats
	MessagesSent  uint64
	AcksReceived  uint64
	Rejected      uint64
	HandlerErrors uint64
}

// Connection is the protocol stack for one watch: chunked transfer, the
// authentication handshake and dispatch of reassembled messages to
// registered handlers. Chunks are written to the link's chunked-write
// endpoint and read from its chunked-read endpoint.
type Connection struct {
	cfg      config.Config
	link     transport.ChannelWriter
	psk      crypto.PresharedKey
	opts     options
	registry *Registry
	encoder  *chunked.Encoder
	decoder  *chunked.Decoder

	mu            sync.Mutex
	handshake     *auth.Handshake
	authenticated bool
	authNotified  bool
	hasKey        bool
	key           crypto.SessionKey
	stats         ConnectionStats

	onMessage       MessageCallback
	onAuthenticated AuthenticatedCallback
	onAuthFailed    AuthenticationFailCallback
	onMTUChanged    MTUCallback
	onSessionEnded  SessionEndedCallback

	// closeOnAuthFailure is set by the owner of the link.
	closeOnAuthFailure func(reason auth.FailureReason)
}

// NewConnection creates a connection that writes through link. The pairing
// credential is resolved from cfg.
func NewConnection(cfg config.Config, link transport.ChannelWriter, opts ...Option) (*Connection, error) {
	if link == nil {
		return nil, errors.New("link cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pairing, err := config.ResolvePairingKey(cfg)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	c := &Connection{
		cfg:      cfg,
		link:     link,
		psk:      crypto.ParsePresharedKey(pairing),
		opts:     o,
		registry: o.registry,
	}
	c.encoder = chunked.NewEncoder(c.writeChunk, cfg.MTU, cfg.ExtendedChunkFlags)
	c.decoder = chunked.NewDecoder(c.dispatch, cfg.ExtendedChunkFlags)
	c.decoder.SetStallTimeout(cfg.ReassemblyTimeout)
	c.decoder.SetTimeProvider(o.timeProvider)
	c.handshake = c.newHandshake()

	logrus.WithFields(logrus.Fields{
		"function":     "NewConnection",
		"mtu":          cfg.MTU,
		"extended":     cfg.ExtendedChunkFlags,
		"require_auth": cfg.RequireAuth,
	}).Info("Created connection")
	return c, nil
}

func (c *Connection) newHandshake() *auth.Handshake {
	hopts := []auth.Option{
		auth.WithTimeout(c.cfg.HandshakeTimeout),
		auth.WithTimeProvider(c.opts.timeProvider),
	}
	if c.opts.random != nil {
		hopts = append(hopts, auth.WithRandom(c.opts.random))
	}
	return auth.NewHandshake(c.psk, keyInstaller{c}, c.writeAuth, hopts...)
}

// Registry returns the connection's handler registry.
func (c *Connection) Registry() *Registry { return c.registry }

// RegisterTLV installs a handler that receives messages of logicalType
// decoded as TLV. Encrypted TLV envelopes are opened with the session key.
func (c *Connection) RegisterTLV(logicalType uint16, mode tlv.Mode, fn TLVHandlerFunc) error {
	return c.registry.Register(logicalType, tlvHandler{mode: mode, fn: fn})
}

// OnMessage sets the callback for every reassembled application message.
func (c *Connection) OnMessage(cb MessageCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = cb
}

// OnAuthenticated sets the callback for a successful handshake.
func (c *Connection) OnAuthenticated(cb AuthenticatedCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAuthenticated = cb
}

// OnAuthenticationFailed sets the callback for a failed handshake. The
// connection should be closed when it fires.
func (c *Connection) OnAuthenticationFailed(cb AuthenticationFailCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAuthFailed = cb
}

// OnMtuChanged sets the callback for MTU changes.
func (c *Connection) OnMtuChanged(cb MTUCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMTUChanged = cb
}

// OnSessionEnded sets the callback for the end of a link session.
func (c *Connection) OnSessionEnded(cb SessionEndedCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSessionEnded = cb
}

// Start begins the authentication handshake.
func (c *Connection) Start() error {
	c.mu.Lock()
	hs := c.handshake
	c.mu.Unlock()

	if err := hs.Start(); err != nil {
		c.notifyAuthResult(hs)
		return err
	}
	return nil
}

// AuthState returns the state of the current handshake.
func (c *Connection) AuthState() auth.State {
	c.mu.Lock()
	hs := c.handshake
	c.mu.Unlock()
	return hs.State()
}

// Authenticated reports whether the handshake has succeeded.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// MTU returns the MTU used for outgoing chunks.
func (c *Connection) MTU() int { return c.encoder.MTU() }

// SetMTU applies an MTU reported by the link. Values below the BLE minimum
// are ignored. Values above the configured maximum are kept with a warning
// when AllowHighMTU is set and clamped otherwise.
func (c *Connection) SetMTU(mtu int) {
	fields := logrus.Fields{
		"function": "Connection.SetMTU",
		"mtu":      mtu,
		"max_mtu":  c.cfg.MaxMTU,
	}
	if mtu < limits.DefaultMTU {
		logrus.WithFields(fields).Warn("Ignoring MTU below minimum")
		return
	}
	if mtu > c.cfg.MaxMTU {
		if c.cfg.AllowHighMTU {
			logrus.WithFields(fields).Error("MTU exceeds maximum, using it anyway")
		} else {
			logrus.WithFields(fields).Warn("MTU exceeds maximum, clamping")
			mtu = c.cfg.MaxMTU
		}
	}
	if mtu == c.encoder.MTU() {
		return
	}
	c.encoder.SetMTU(mtu)
	logrus.WithFields(logrus.Fields{
		"function": "Connection.SetMTU",
		"mtu":      mtu,
	}).Info("MTU changed")

	c.mu.Lock()
	cb := c.onMTUChanged
	c.mu.Unlock()
	if cb != nil {
		cb(mtu)
	}
}

// Send queues payload for chunked transmission as logicalType.
func (c *Connection) Send(logicalType uint16, payload []byte, encrypt bool) error {
	return c.send(logicalType, payload, false, encrypt)
}

// SendWithAck is Send with the final chunk requesting an acknowledgement.
func (c *Connection) SendWithAck(logicalType uint16, payload []byte, encrypt bool) error {
	return c.send(logicalType, payload, true, encrypt)
}

func (c *Connection) send(logicalType uint16, payload []byte, needsAck, encrypt bool) error {
	if logicalType == auth.Endpoint {
		return fmt.Errorf("%w: 0x%04x", ErrReservedType, logicalType)
	}
	c.mu.Lock()
	ready := c.authenticated || !c.cfg.RequireAuth
	c.mu.Unlock()
	if !ready {
		return ErrNotAuthenticated
	}

	if err := c.encoder.Write(logicalType, payload, needsAck, encrypt); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.MessagesSent++
	c.mu.Unlock()
	return nil
}

// SendTLV serializes msg and sends it as logicalType.
func (c *Connection) SendTLV(logicalType uint16, msg *tlv.TLV, encrypt bool) error {
	data, err := msg.Serialize()
	if err != nil {
		return fmt.Errorf("serialize message 0x%04x: %w", logicalType, err)
	}
	return c.Send(logicalType, data, encrypt)
}

// SendSealedTLV wraps msg in an encrypted TLV envelope under the session key
// and sends it as logicalType.
func (c *Connection) SendSealedTLV(logicalType uint16, msg *tlv.TLV) error {
	c.mu.Lock()
	key, ok := c.key, c.hasKey
	c.mu.Unlock()
	if !ok {
		return wireerr.New(wireerr.KindCrypto, "wearcore.SendSealedTLV", "no session key installed")
	}
	sealed, err := msg.Encrypt(key[:])
	key.Wipe()
	if err != nil {
		return err
	}
	return c.SendTLV(logicalType, sealed, false)
}

// HandleChannelData consumes data received on a link endpoint. The watch
// acknowledges phone chunks on the write endpoint and sends its own chunks
// on the read endpoint. Endpoint UUIDs compare without regard to case.
func (c *Connection) HandleChannelData(uuid string, data []byte) {
	switch {
	case transport.SameUUID(uuid, transport.UUIDChunkedWrite):
		if chunked.IsAck(data) {
			c.handleAck(data)
			return
		}
	case transport.SameUUID(uuid, transport.UUIDChunkedRead):
		if chunked.IsAck(data) {
			c.handleAck(data)
			return
		}
		c.handleChunk(data)
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Connection.HandleChannelData",
		"uuid":     uuid,
		"length":   len(data),
	}).Debug("Ignoring data on unhandled endpoint")
}

func (c *Connection) handleAck(data []byte) {
	handle, count, err := chunked.ParseAck(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.HandleChannelData",
			"error":    err.Error(),
		}).Warn("Malformed chunk ack")
		return
	}
	c.mu.Lock()
	c.stats.AcksReceived++
	c.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "Connection.HandleChannelData",
		"handle":   handle,
		"count":    count,
	}).Debug("Got chunk ack")
}

func (c *Connection) handleChunk(data []byte) {
	needsAck, _ := c.decoder.Decode(data)
	if needsAck {
		if err := c.link.WriteChannel(transport.UUIDChunkedRead, c.decoder.Ack()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Connection.HandleChannelData",
				"error":    err.Error(),
			}).Warn("Failed to send chunk ack")
		}
	}
}

// dispatch receives every reassembled message from the decoder.
func (c *Connection) dispatch(logicalType uint16, payload []byte) {
	if logicalType == auth.Endpoint {
		c.handleAuth(payload)
		return
	}

	c.mu.Lock()
	ready := c.authenticated || !c.cfg.RequireAuth
	cb := c.onMessage
	key, hasKey := c.key, c.hasKey
	if !ready {
		c.stats.Rejected++
	}
	c.mu.Unlock()
	defer key.Wipe()

	if !ready {
		err := wireerr.New(wireerr.KindProtocolState, "wearcore.dispatch", "message 0x%04x before authentication", logicalType)
		logrus.WithFields(logrus.Fields{
			"function":     "Connection.dispatch",
			"logical_type": fmt.Sprintf("0x%04x", logicalType),
			"error":        err.Error(),
		}).Warn("Rejecting message")
		return
	}

	if cb != nil {
		cb(logicalType, payload)
	}

	h, ok := c.registry.Lookup(logicalType)
	if !ok {
		if cb == nil {
			logrus.WithFields(logrus.Fields{
				"function":     "Connection.dispatch",
				"logical_type": fmt.Sprintf("0x%04x", logicalType),
			}).Debug("No handler for message")
		}
		return
	}

	var err error
	if th, isTLV := h.(tlvHandler); isTLV {
		var k []byte
		if hasKey {
			k = key[:]
		}
		var msg *tlv.TLV
		if msg, err = tlv.ParseMaybeEncrypted(payload, k, th.mode); err == nil {
			err = th.fn(logicalType, msg)
		}
	} else {
		err = h.HandleMessage(logicalType, payload)
	}
	if err != nil {
		c.mu.Lock()
		c.stats.HandlerErrors++
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":     "Connection.dispatch",
			"logical_type": fmt.Sprintf("0x%04x", logicalType),
			"error":        err.Error(),
		}).Warn("Handler failed, message dropped")
	}
}

func (c *Connection) handleAuth(payload []byte) {
	c.mu.Lock()
	hs := c.handshake
	c.mu.Unlock()

	if _, err := hs.HandlePayload(payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.handleAuth",
			"error":    err.Error(),
		}).Debug("Handshake message rejected")
	}
	c.notifyAuthResult(hs)
}

// notifyAuthResult fires the authentication callbacks once per handshake.
func (c *Connection) notifyAuthResult(hs *auth.Handshake) {
	state := hs.State()
	if !state.Terminal() {
		return
	}

	c.mu.Lock()
	if hs != c.handshake || c.authNotified {
		c.mu.Unlock()
		return
	}
	c.authNotified = true
	c.authenticated = state == auth.StateAuthenticated
	onOK, onFail := c.onAuthenticated, c.onAuthFailed
	c.mu.Unlock()

	if state == auth.StateAuthenticated {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.notifyAuthResult",
		}).Info("Authenticated")
		if onOK != nil {
			onOK()
		}
		return
	}
	if onFail != nil {
		onFail(hs.Reason(), hs.Err())
	}
	if c.closeOnAuthFailure != nil {
		c.closeOnAuthFailure(hs.Reason())
	}
}

// CheckTimeouts fails a handshake that has run too long and drops a
// reassembly that has stalled.
func (c *Connection) CheckTimeouts() {
	c.mu.Lock()
	hs := c.handshake
	c.mu.Unlock()

	if err := hs.CheckTimeout(); err != nil {
		c.notifyAuthResult(hs)
	}
	c.decoder.ExpireStalled()
}

// SessionEnded drops all session state after the link session ends. A new
// handshake is required before application messages flow again.
func (c *Connection) SessionEnded() {
	c.reset()

	c.mu.Lock()
	cb := c.onSessionEnded
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Close drops all key material.
func (c *Connection) Close() {
	c.reset()
}

func (c *Connection) reset() {
	c.encoder.Reset()
	c.decoder.Reset()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.key.Wipe()
	c.hasKey = false
	c.authenticated = false
	c.authNotified = false
	c.handshake = c.newHandshake()
}

// Stats returns a snapshot of the counters.
func (c *Connection) Stats() ConnectionStats {
	ds := c.decoder.Stats()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Decoder = ds
	return st
}

func (c *Connection) writeChunk(chunk []byte) error {
	return c.link.WriteChannel(transport.UUIDChunkedWrite, chunk)
}

func (c *Connection) writeAuth(payload []byte) error {
	return c.encoder.Write(auth.Endpoint, payload, false, false)
}

// keyInstaller moves the handshake's session key into the chunked layer.
type keyInstaller struct{ c *Connection }

func (k keyInstaller) InstallSessionKey(key crypto.SessionKey, counter uint32) {
	k.c.encoder.SetEncryptionParameters(key, counter)
	k.c.decoder.SetKey(key)

	k.c.mu.Lock()
	defer k.c.mu.Unlock()
	k.c.key = key
	k.c.hasKey = true
}

func (k keyInstaller) ClearSessionKey() {
	k.c.encoder.Reset()
	k.c.decoder.Reset()

	k.c.mu.Lock()
	defer k.c.mu.Unlock()
	k.c.key.Wipe()
	k.c.hasKey = false
}

// HasSessionKey reports whether a session key is installed in the chunked layer.
func (c *Connection) HasSessionKey() bool {
	return c.encoder.HasKey()
}
