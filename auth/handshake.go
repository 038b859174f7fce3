package auth

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wearcore/crypto"
	"github.com/opd-ai/wearcore/wireerr"
)

// DefaultTimeout bounds a handshake from Start to the final status.
const DefaultTimeout = 10 * time.Second

// State is the handshake progress.
type State uint8

const (
	StateIdle State = iota
	StatePublicKeySent
	StateRandomExchanged
	StateAuthenticated
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:            "idle",
	StatePublicKeySent:   "public key sent",
	StateRandomExchanged: "random exchanged",
	StateAuthenticated:   "authenticated",
	StateFailed:          "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateAuthenticated || s == StateFailed }

// FailureReason distinguishes a rejected pairing key from everything else.
type FailureReason uint8

const (
	ReasonNone FailureReason = iota
	ReasonWrongCredential
	ReasonProtocol
	ReasonTimeout
)

// String returns a message suitable for showing to the user.
func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonWrongCredential:
		return "authentication failed, check your pairing key"
	case ReasonTimeout:
		return "authentication timed out"
	default:
		return "authentication failed: unexpected protocol error"
	}
}

// KeyInstaller receives the session parameters once they are derived.
// ClearSessionKey is called when the handshake fails after installation.
type KeyInstaller interface {
	InstallSessionKey(key crypto.SessionKey, counter uint32)
	ClearSessionKey()
}

// SendFunc writes one handshake message to the auth endpoint.
type SendFunc func(payload []byte) error

// Option configures a Handshake or Responder.
type Option func(*options)

type options struct {
	timeout      time.Duration
	timeProvider crypto.TimeProvider
	random       io.Reader
}

// WithTimeout bounds the handshake duration.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithTimeProvider sets the time source. This is primarily useful for testing.
func WithTimeProvider(tp crypto.TimeProvider) Option {
	return func(o *options) { o.timeProvider = crypto.OrDefault(tp) }
}

// WithRandom sets the entropy source for keys and nonces.
func WithRandom(r io.Reader) Option { return func(o *options) { o.random = r } }

func buildOptions(opts []Option) options {
	o := options{timeout: DefaultTimeout, timeProvider: crypto.DefaultTimeProvider{}, random: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Handshake runs the client side of the key exchange. A Handshake is used
// for exactly one attempt; once terminal it cannot be restarted.
type Handshake struct {
	mu        sync.Mutex
	state     State
	reason    FailureReason
	err       error
	psk       crypto.PresharedKey
	kp        *crypto.KeyPair
	installer KeyInstaller
	installed bool
	send      SendFunc
	startedAt time.Time
	opts      options
}

// NewHandshake prepares a handshake that will prove possession of psk.
func NewHandshake(psk crypto.PresharedKey, installer KeyInstaller, send SendFunc, opts ...Option) *Handshake {
	return &Handshake{
		psk:       psk,
		installer: installer,
		send:      send,
		opts:      buildOptions(opts),
	}
}

// State returns the current state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Reason returns why the handshake failed, or ReasonNone.
func (h *Handshake) Reason() FailureReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Err returns the error that failed the handshake.
func (h *Handshake) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Start generates an ephemeral key pair and sends the public key.
func (h *Handshake) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateIdle {
		return wireerr.New(wireerr.KindProtocolState, "auth.Start", "handshake already %s", h.state)
	}

	kp, err := crypto.GenerateKeyPairFrom(h.opts.random)
	if err != nil {
		return h.failLocked(ReasonProtocol, wireerr.Wrap(wireerr.KindCrypto, "auth.Start", err))
	}
	h.kp = kp
	h.startedAt = h.opts.timeProvider.Now()

	if err := h.send(buildPublicKeyRequest(kp.Public)); err != nil {
		return h.failLocked(ReasonProtocol, fmt.Errorf("send public key: %w", err))
	}
	h.transitionLocked(StatePublicKeySent)
	return nil
}

// HandlePayload processes one message from the auth endpoint and returns the
// resulting state. Any malformed or out-of-order message fails the handshake.
func (h *Handshake) HandlePayload(p []byte) (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Terminal() {
		return h.state, wireerr.New(wireerr.KindProtocolState, "auth.HandlePayload", "handshake already %s", h.state)
	}
	if crypto.Expired(h.opts.timeProvider, h.startedAt, h.opts.timeout) {
		return h.state, h.failLocked(ReasonTimeout, wireerr.New(wireerr.KindProtocolState, "auth.HandlePayload", "handshake exceeded %s", h.opts.timeout))
	}
	if len(p) < 3 || p[0] != ResponseMarker {
		return h.state, h.failLocked(ReasonProtocol, wireerr.New(wireerr.KindStructuralDecode, "auth.HandlePayload", "not a handshake response: % x", head(p)))
	}

	var err error
	switch {
	case p[1] == CmdPublicKey && h.state == StatePublicKeySent:
		err = h.handlePublicKeyLocked(p)
	case p[1] == CmdSessionKey && h.state == StateRandomExchanged:
		err = h.handleSessionKeyLocked(p)
	default:
		err = h.failLocked(ReasonProtocol, wireerr.New(wireerr.KindProtocolState, "auth.HandlePayload", "command 0x%02x in state %s", p[1], h.state))
	}
	return h.state, err
}

func (h *Handshake) handlePublicKeyLocked(p []byte) error {
	random, peerPub, err := parsePublicKeyResponse(p)
	if err != nil {
		return h.failLocked(ReasonProtocol, err)
	}

	shared, err := crypto.DeriveSharedSecret(peerPub, h.kp.Private)
	h.kp.Wipe()
	if err != nil {
		return h.failLocked(ReasonProtocol, wireerr.Wrap(wireerr.KindCrypto, "auth.HandlePayload", err))
	}
	key := crypto.DeriveSessionKey(shared, h.psk)
	counter := crypto.DeriveInitialCounter(shared)
	crypto.ZeroBytes(shared[:])

	// The proof and every later message depend on the key, so it goes in first.
	h.installer.InstallSessionKey(key, counter)
	h.installed = true

	proof, err := buildProof(h.psk, key, random)
	key.Wipe()
	if err != nil {
		return h.failLocked(ReasonProtocol, err)
	}
	if err := h.send(proof); err != nil {
		return h.failLocked(ReasonProtocol, fmt.Errorf("send proof: %w", err))
	}
	h.transitionLocked(StateRandomExchanged)
	return nil
}

func (h *Handshake) handleSessionKeyLocked(p []byte) error {
	switch p[2] {
	case StatusSuccess:
		h.transitionLocked(StateAuthenticated)
		return nil
	case StatusWrongKey:
		return h.failLocked(ReasonWrongCredential, wireerr.New(wireerr.KindWrongCredential, "auth.HandlePayload", "peer rejected the pairing key"))
	default:
		return h.failLocked(ReasonProtocol, wireerr.New(wireerr.KindProtocolState, "auth.HandlePayload", "session key status 0x%02x", p[2]))
	}
}

// CheckTimeout fails the handshake if it has run longer than its timeout.
func (h *Handshake) CheckTimeout() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() || !crypto.Expired(h.opts.timeProvider, h.startedAt, h.opts.timeout) {
		return nil
	}
	return h.failLocked(ReasonTimeout, wireerr.New(wireerr.KindProtocolState, "auth.CheckTimeout", "handshake exceeded %s", h.opts.timeout))
}

func (h *Handshake) transitionLocked(next State) {
	logrus.WithFields(logrus.Fields{
		"function": "Handshake.transition",
		"from":     h.state.String(),
		"to":       next.String(),
	}).Info("Handshake state changed")
	h.state = next
}

// failLocked moves to StateFailed, withdraws any installed key and returns err.
func (h *Handshake) failLocked(reason FailureReason, err error) error {
	if h.installed {
		h.installer.ClearSessionKey()
		h.installed = false
	}
	if h.kp != nil {
		h.kp.Wipe()
	}
	logrus.WithFields(logrus.Fields{
		"function": "Handshake.fail",
		"state":    h.state.String(),
		"reason":   reason.String(),
		"error":    err.Error(),
	}).Error("Handshake failed")
	h.state = StateFailed
	h.reason = reason
	h.err = err
	return err
}

func head(p []byte) []byte {
	if len(p) > 8 {
		return p[:8]
	}
	return p
}
