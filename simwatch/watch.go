package simwatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wearcore/auth"
	"github.com/opd-ai/wearcore/chunked"
	"github.com/opd-ai/wearcore/crypto"
	"github.com/opd-ai/wearcore/limits"
	"github.com/opd-ai/wearcore/transport"
)

// Default channel numbers announced by a simulated watch.
const (
	ChannelChunkedWrite uint16 = 0x0001
	ChannelChunkedRead  uint16 = 0x0002
)

// Config describes a simulated watch.
type Config struct {
	// PairingKey is the credential the watch expects, in any form accepted
	// by crypto.ParsePresharedKey.
	PairingKey string
	// MTU is announced in the session start ack. Zero selects limits.DefaultMTU.
	MTU int
	// Session is the session number assigned on session start.
	Session byte
	// ExtendedChunkFlags must match the phone's setting.
	ExtendedChunkFlags bool
}

// MessageRecord is one application message received from the phone.
type MessageRecord struct {
	LogicalType uint16
	Payload     []byte
}

// Watch plays the device side of a stream link: it answers channel and
// session requests, runs the responder side of the handshake and
// reassembles application messages. Received messages are kept in a log for
// verification.
type Watch struct {
	cfg       Config
	write     transport.WriteFunc
	parser    *transport.Parser
	responder *auth.Responder
	encoder   *chunked.Encoder
	decoder   *chunked.Decoder

	writeMu sync.Mutex
	seq     byte

	mu       sync.Mutex
	active   bool
	messages []MessageRecord
	acks     int
	pongs    int
	notify   chan MessageRecord
}

// New creates a simulated watch that writes frames through write. Bytes
// from the phone are passed to Feed.
func New(cfg Config, write transport.WriteFunc) *Watch {
	logrus.WithFields(logrus.Fields{
		"function": "simwatch.New",
		"mtu":      cfg.MTU,
		"session":  cfg.Session,
	}).Warn("SIMULATION - creating simulated watch")

	if cfg.MTU == 0 {
		cfg.MTU = limits.DefaultMTU
	}
	w := &Watch{
		cfg:    cfg,
		write:  write,
		parser: transport.NewParser(),
		notify: make(chan MessageRecord, 64),
	}
	w.encoder = chunked.NewEncoder(w.writeChunk, cfg.MTU, cfg.ExtendedChunkFlags)
	w.decoder = chunked.NewDecoder(w.handleMessage, cfg.ExtendedChunkFlags)
	w.responder = auth.NewResponder(crypto.ParsePresharedKey(cfg.PairingKey), installer{w}, w.sendAuth)
	return w
}

// Feed consumes bytes written by the phone.
func (w *Watch) Feed(data []byte) {
	for _, f := range w.parser.Feed(data) {
		if err := w.handleFrame(f); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Watch.Feed",
				"command":  f.Command.String(),
				"error":    err.Error(),
			}).Warn("Simulated watch dropped frame")
		}
	}
}

func (w *Watch) handleFrame(f transport.Frame) error {
	switch f.Command {
	case transport.CmdChannelsGet:
		return w.WriteFrame(transport.CmdChannelsRet, transport.BuildChannelMap(map[uint16]string{
			ChannelChunkedWrite: transport.UUIDChunkedWrite,
			ChannelChunkedRead:  transport.UUIDChunkedRead,
		}))
	case transport.CmdSessionStart:
		if len(f.Payload) < 4 {
			return errors.New("short session start")
		}
		ack := append([]byte{}, f.Payload[:4]...)
		ack = append(ack, 0x01, w.cfg.Session)
		ack = binary.LittleEndian.AppendUint16(ack, uint16(w.cfg.MTU))
		// A new session needs a new handshake.
		w.responder.Reset()
		w.encoder.Reset()
		w.decoder.Reset()
		w.mu.Lock()
		w.active = true
		w.mu.Unlock()
		return w.WriteFrame(transport.CmdSessionStartAck, ack)
	case transport.CmdChannelData:
		return w.handleChannelData(f)
	case transport.CmdPing:
		if len(f.Payload) < 1 {
			return errors.New("short ping")
		}
		return w.WriteFrame(transport.CmdPong, []byte{f.Payload[0], 0x01, 0x00, 0x00})
	case transport.CmdPong:
		w.mu.Lock()
		w.pongs++
		w.mu.Unlock()
		return nil
	default:
		return nil
	}
}

func (w *Watch) handleChannelData(f transport.Frame) error {
	p := f.Payload
	if len(p) < 4 {
		return errors.New("short channel data")
	}
	channel := binary.LittleEndian.Uint16(p[1:])
	data := p[4:]
	if p[3] != 0 {
		if err := w.WriteFrame(transport.CmdChannelAck, []byte{p[0], f.Seq, 0x01, 0x00}); err != nil {
			return err
		}
	}

	switch {
	case chunked.IsAck(data):
		w.mu.Lock()
		w.acks++
		w.mu.Unlock()
		return nil
	case channel == ChannelChunkedWrite:
		needsAck, err := w.decoder.Decode(data)
		if err != nil {
			return err
		}
		if needsAck {
			// Acks for phone chunks go back on the channel they arrived on.
			return w.sendChannel(ChannelChunkedWrite, w.decoder.Ack())
		}
		return nil
	default:
		return fmt.Errorf("unexpected channel %d", channel)
	}
}

func (w *Watch) handleMessage(logicalType uint16, payload []byte) {
	if logicalType == auth.Endpoint {
		if err := w.responder.HandlePayload(payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Watch.handleMessage",
				"error":    err.Error(),
			}).Warn("Simulated watch rejected handshake message")
		}
		return
	}

	rec := MessageRecord{LogicalType: logicalType, Payload: payload}
	w.mu.Lock()
	w.messages = append(w.messages, rec)
	w.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Watch.handleMessage",
		"logical_type": fmt.Sprintf("0x%04x", logicalType),
		"length":       len(payload),
	}).Info("Simulated watch received message")

	select {
	case w.notify <- rec:
	default:
	}
}

// Send writes a chunked message to the phone.
func (w *Watch) Send(logicalType uint16, payload []byte, needsAck, encrypt bool) error {
	return w.encoder.Write(logicalType, payload, needsAck, encrypt)
}

// EndSession tells the phone the active session is over.
func (w *Watch) EndSession() error {
	w.mu.Lock()
	w.active = false
	w.mu.Unlock()
	return w.WriteFrame(transport.CmdSessionEnd, []byte{w.cfg.Session, 0x00})
}

// Ping sends a keepalive to the phone.
func (w *Watch) Ping() error {
	return w.WriteFrame(transport.CmdPing, []byte{w.cfg.Session, 0x01, 0x00, 0x00})
}

// WriteFrame serializes and writes one frame with the next sequence number.
func (w *Watch) WriteFrame(cmd transport.Command, payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	f := transport.Frame{Command: cmd, Seq: w.seq, Payload: payload}
	data, err := f.Serialize()
	if err != nil {
		return err
	}
	w.seq++
	return w.write(data)
}

// WriteRaw writes bytes to the phone unframed, for corruption tests.
func (w *Watch) WriteRaw(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.write(data)
}

func (w *Watch) sendChannel(channel uint16, data []byte) error {
	p := []byte{w.cfg.Session}
	p = binary.LittleEndian.AppendUint16(p, channel)
	p = append(p, 0x00)
	return w.WriteFrame(transport.CmdChannelData, append(p, data...))
}

func (w *Watch) writeChunk(chunk []byte) error {
	return w.sendChannel(ChannelChunkedRead, chunk)
}

func (w *Watch) sendAuth(payload []byte) error {
	return w.encoder.Write(auth.Endpoint, payload, false, false)
}

// AuthState returns the responder's handshake state.
func (w *Watch) AuthState() auth.State { return w.responder.State() }

// Active reports whether a session has been started and not ended.
func (w *Watch) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// GetMessageLog returns a copy of the received messages.
func (w *Watch) GetMessageLog() []MessageRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]MessageRecord, len(w.messages))
	copy(out, w.messages)
	return out
}

// ClearMessageLog empties the message log.
func (w *Watch) ClearMessageLog() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = nil
}

// Acks returns the number of chunk acks received from the phone.
func (w *Watch) Acks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acks
}

// Pongs returns the number of pongs received from the phone.
func (w *Watch) Pongs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pongs
}

// NextMessage waits for the next application message.
func (w *Watch) NextMessage(ctx context.Context) (MessageRecord, error) {
	select {
	case rec := <-w.notify:
		return rec, nil
	case <-ctx.Done():
		return MessageRecord{}, ctx.Err()
	}
}

// installer receives the responder's session key.
type installer struct{ w *Watch }

func (i installer) InstallSessionKey(key crypto.SessionKey, counter uint32) {
	i.w.encoder.SetEncryptionParameters(key, counter)
	i.w.decoder.SetKey(key)
}

func (i installer) ClearSessionKey() {
	i.w.encoder.Reset()
	i.w.decoder.Reset()
}

// SessionKey returns the key negotiated with the phone, for opening
// encrypted TLV envelopes in tests.
func (w *Watch) SessionKey() (crypto.SessionKey, bool) {
	key, _, ok := w.responder.SessionKey()
	return key, ok
}
