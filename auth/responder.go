package auth

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wearcore/crypto"
	"github.com/opd-ai/wearcore/wireerr"
)

// Responder plays the device side of the handshake. It is used by tests and
// by simulated peers.
type Responder struct {
	mu        sync.Mutex
	psk       crypto.PresharedKey
	send      SendFunc
	installer KeyInstaller
	random    io.Reader
	nonce     [RandomSize]byte
	key       crypto.SessionKey
	counter   uint32
	state     State
}

// NewResponder creates a responder expecting proofs made with psk. The
// installer, which may be nil, receives the session key once the proof checks out.
func NewResponder(psk crypto.PresharedKey, installer KeyInstaller, send SendFunc, opts ...Option) *Responder {
	o := buildOptions(opts)
	return &Responder{psk: psk, send: send, installer: installer, random: o.random}
}

// State returns the responder's view of the handshake.
func (r *Responder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SessionKey returns the derived key and counter seed once authenticated.
func (r *Responder) SessionKey() (crypto.SessionKey, uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key, r.counter, r.state == StateAuthenticated
}

// HandlePayload processes one client message.
func (r *Responder) HandlePayload(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) == 0 {
		return wireerr.New(wireerr.KindStructuralDecode, "auth.Responder", "empty message")
	}
	switch {
	case p[0] == CmdPublicKey && r.state == StateIdle:
		return r.handlePublicKeyLocked(p)
	case p[0] == CmdSessionKey && r.state == StateRandomExchanged:
		return r.handleProofLocked(p)
	default:
		err := wireerr.New(wireerr.KindProtocolState, "auth.Responder", "command 0x%02x in state %s", p[0], r.state)
		r.state = StateFailed
		return err
	}
}

func (r *Responder) handlePublicKeyLocked(p []byte) error {
	clientPub, err := parsePublicKeyRequest(p)
	if err != nil {
		r.state = StateFailed
		return err
	}
	kp, err := crypto.GenerateKeyPairFrom(r.random)
	if err != nil {
		return fmt.Errorf("responder keypair: %w", err)
	}
	defer kp.Wipe()
	if _, err := io.ReadFull(r.random, r.nonce[:]); err != nil {
		return fmt.Errorf("responder nonce: %w", err)
	}

	shared, err := crypto.DeriveSharedSecret(clientPub, kp.Private)
	if err != nil {
		r.state = StateFailed
		return wireerr.Wrap(wireerr.KindCrypto, "auth.Responder", err)
	}
	r.key = crypto.DeriveSessionKey(shared, r.psk)
	r.counter = crypto.DeriveInitialCounter(shared)
	crypto.ZeroBytes(shared[:])

	r.state = StateRandomExchanged
	return r.send(buildPublicKeyResponse(r.nonce, kp.Public))
}

func (r *Responder) handleProofLocked(p []byte) error {
	if len(p) != 1+2*RandomSize {
		r.state = StateFailed
		return wireerr.New(wireerr.KindStructuralDecode, "auth.Responder", "proof of %d bytes", len(p))
	}
	want, err := buildProof(r.psk, r.key, r.nonce)
	if err != nil {
		return err
	}

	if !crypto.ConstantTimeEqual(want, p) {
		logrus.WithFields(logrus.Fields{
			"function": "Responder.handleProof",
		}).Warn("Client proof does not match, rejecting pairing key")
		r.state = StateFailed
		r.key.Wipe()
		return r.send([]byte{ResponseMarker, CmdSessionKey, StatusWrongKey})
	}

	r.state = StateAuthenticated
	if r.installer != nil {
		r.installer.InstallSessionKey(r.key, r.counter)
	}
	return r.send([]byte{ResponseMarker, CmdSessionKey, StatusSuccess})
}

// Reset returns the responder to idle for a new session.
func (r *Responder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key.Wipe()
	r.counter = 0
	r.state = StateIdle
}
