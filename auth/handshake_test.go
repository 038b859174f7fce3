package auth

import (
	"bytes"
	"crypto/aes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/opd-ai/wearcore/crypto"
	"github.com/opd-ai/wearcore/wireerr"
)

type recordingInstaller struct {
	mu        sync.Mutex
	installed bool
	key       crypto.SessionKey
	counter   uint32
	clears    int
}

func (r *recordingInstaller) InstallSessionKey(key crypto.SessionKey, counter uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installed, r.key, r.counter = true, key, counter
}

func (r *recordingInstaller) ClearSessionKey() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installed = false
	r.key = crypto.SessionKey{}
	r.clears++
}

type outbox struct {
	msgs [][]byte
}

func (o *outbox) send(p []byte) error {
	o.msgs = append(o.msgs, append([]byte{}, p...))
	return nil
}

func (o *outbox) pop(t *testing.T) []byte {
	t.Helper()
	require.NotEmpty(t, o.msgs)
	m := o.msgs[0]
	o.msgs = o.msgs[1:]
	return m
}

func fixedBytes(seed byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func aesBlock(t *testing.T, key, block []byte) []byte {
	t.Helper()
	c, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, 16)
	c.Encrypt(out, block)
	return out
}

// runPeerResponse answers the client's public key with a fixed random and key pair.
func runPeerResponse(t *testing.T) (random [RandomSize]byte, peer *crypto.KeyPair) {
	t.Helper()
	var sk [crypto.KeySize]byte
	copy(sk[:], fixedBytes(0x40, crypto.KeySize))
	peer, err := crypto.FromSecretKey(sk)
	require.NoError(t, err)
	copy(random[:], fixedBytes(0x90, RandomSize))
	return random, peer
}

func TestHandshakeSuccess(t *testing.T) {
	clientSecret := fixedBytes(0x01, crypto.KeySize)
	psk := crypto.ParsePresharedKey("0x000102030405060708090a0b0c0d0e0f")
	inst := &recordingInstaller{}
	out := &outbox{}

	hs := NewHandshake(psk, inst, out.send, WithRandom(bytes.NewReader(clientSecret)))
	require.NoError(t, hs.Start())
	assert.Equal(t, StatePublicKeySent, hs.State())

	req := out.pop(t)
	require.Len(t, req, 36)
	assert.Equal(t, []byte{0x04, 0x02, 0x00, 0x02}, req[:4])
	clientPub := req[4:]
	refPub, err := curve25519.X25519(clientSecret, curve25519.Basepoint)
	require.NoError(t, err)
	assert.Equal(t, refPub, clientPub)

	random, peer := runPeerResponse(t)
	state, err := hs.HandlePayload(buildPublicKeyResponse(random, peer.Public))
	require.NoError(t, err)
	assert.Equal(t, StateRandomExchanged, state)

	// Independent reference computation.
	shared, err := curve25519.X25519(clientSecret, peer.Public[:])
	require.NoError(t, err)
	var wantKey crypto.SessionKey
	for i := range wantKey {
		wantKey[i] = shared[8+i] ^ psk[i]
	}
	wantCounter := uint32(shared[0]) | uint32(shared[1])<<8 | uint32(shared[2])<<16 | uint32(shared[3])<<24

	assert.True(t, inst.installed, "key installed before the final status")
	assert.Equal(t, wantKey, inst.key)
	assert.Equal(t, wantCounter, inst.counter)

	proof := out.pop(t)
	require.Len(t, proof, 33)
	assert.Equal(t, CmdSessionKey, proof[0])
	assert.Equal(t, aesBlock(t, psk[:], random[:]), proof[1:17])
	assert.Equal(t, aesBlock(t, wantKey[:], random[:]), proof[17:33])

	state, err = hs.HandlePayload([]byte{ResponseMarker, CmdSessionKey, StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, state)
	assert.Equal(t, ReasonNone, hs.Reason())
	assert.True(t, inst.installed)
}

func TestHandshakeWrongCredential(t *testing.T) {
	inst := &recordingInstaller{}
	out := &outbox{}
	hs := NewHandshake(crypto.DefaultPresharedKey, inst, out.send)
	require.NoError(t, hs.Start())

	out.pop(t)
	random, peer := runPeerResponse(t)
	_, err := hs.HandlePayload(buildPublicKeyResponse(random, peer.Public))
	require.NoError(t, err)

	state, err := hs.HandlePayload([]byte{ResponseMarker, CmdSessionKey, StatusWrongKey})
	assert.Equal(t, StateFailed, state)
	assert.True(t, errors.Is(err, wireerr.ErrWrongCredential))
	assert.True(t, errors.Is(err, wireerr.ErrCrypto))
	assert.Equal(t, ReasonWrongCredential, hs.Reason())
	assert.Contains(t, hs.Reason().String(), "pairing key")
	assert.False(t, inst.installed, "no session key left installed")
	assert.Equal(t, 1, inst.clears)
}

func TestHandshakeGenericFailureStatus(t *testing.T) {
	inst := &recordingInstaller{}
	out := &outbox{}
	hs := NewHandshake(crypto.DefaultPresharedKey, inst, out.send)
	require.NoError(t, hs.Start())
	out.pop(t)
	random, peer := runPeerResponse(t)
	_, err := hs.HandlePayload(buildPublicKeyResponse(random, peer.Public))
	require.NoError(t, err)

	state, err := hs.HandlePayload([]byte{ResponseMarker, CmdSessionKey, 0x02})
	assert.Equal(t, StateFailed, state)
	assert.True(t, errors.Is(err, wireerr.ErrProtocolState))
	assert.False(t, errors.Is(err, wireerr.ErrWrongCredential))
	assert.Equal(t, ReasonProtocol, hs.Reason())
}

func TestHandshakeMalformedMessagesAbort(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"short", []byte{ResponseMarker}},
		{"not a response", []byte{0x11, CmdPublicKey, StatusSuccess}},
		{"truncated public key", append([]byte{ResponseMarker, CmdPublicKey, StatusSuccess}, make([]byte, 20)...)},
		{"status before random", []byte{ResponseMarker, CmdSessionKey, StatusSuccess}},
		{"refused", []byte{ResponseMarker, CmdPublicKey, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &recordingInstaller{}
			out := &outbox{}
			hs := NewHandshake(crypto.DefaultPresharedKey, inst, out.send)
			require.NoError(t, hs.Start())

			state, err := hs.HandlePayload(tt.payload)
			assert.Error(t, err)
			assert.Equal(t, StateFailed, state)
			assert.False(t, inst.installed)

			_, err = hs.HandlePayload([]byte{ResponseMarker, CmdSessionKey, StatusSuccess})
			assert.True(t, errors.Is(err, wireerr.ErrProtocolState), "terminal state cannot resume")
			assert.Error(t, hs.Start(), "a failed handshake cannot restart")
		})
	}
}

type mockTimeProvider struct {
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time                  { return m.now }
func (m *mockTimeProvider) Since(t time.Time) time.Duration { return m.now.Sub(t) }

func TestHandshakeTimeout(t *testing.T) {
	mock := &mockTimeProvider{now: time.Unix(1700000000, 0)}
	inst := &recordingInstaller{}
	out := &outbox{}
	hs := NewHandshake(crypto.DefaultPresharedKey, inst, out.send, WithTimeout(time.Second), WithTimeProvider(mock))
	require.NoError(t, hs.Start())
	out.pop(t)
	random, peer := runPeerResponse(t)
	_, err := hs.HandlePayload(buildPublicKeyResponse(random, peer.Public))
	require.NoError(t, err)
	require.True(t, inst.installed)

	assert.NoError(t, hs.CheckTimeout())
	mock.now = mock.now.Add(2 * time.Second)
	assert.Error(t, hs.CheckTimeout())
	assert.Equal(t, StateFailed, hs.State())
	assert.Equal(t, ReasonTimeout, hs.Reason())
	assert.False(t, inst.installed)
}

func TestHandshakeAgainstResponder(t *testing.T) {
	tests := []struct {
		name      string
		clientKey string
		peerKey   string
		want      State
	}{
		{"matching keys", "0x11223344556677889900aabbccddeeff", "11223344556677889900AABBCCDDEEFF", StateAuthenticated},
		{"mismatched keys", "0x11223344556677889900aabbccddeeff", "wrong", StateFailed},
		{"default keys", "", "", StateAuthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientInst := &recordingInstaller{}
			peerInst := &recordingInstaller{}
			toPeer, toClient := &outbox{}, &outbox{}

			hs := NewHandshake(crypto.ParsePresharedKey(tt.clientKey), clientInst, toPeer.send)
			peer := NewResponder(crypto.ParsePresharedKey(tt.peerKey), peerInst, toClient.send)

			require.NoError(t, hs.Start())
			for !hs.State().Terminal() {
				for len(toPeer.msgs) > 0 {
					require.NoError(t, peer.HandlePayload(toPeer.pop(t)))
				}
				require.NotEmpty(t, toClient.msgs)
				_, _ = hs.HandlePayload(toClient.pop(t))
			}

			assert.Equal(t, tt.want, hs.State())
			assert.Equal(t, tt.want, peer.State())
			if tt.want == StateAuthenticated {
				assert.Equal(t, peerInst.key, clientInst.key)
				assert.Equal(t, peerInst.counter, clientInst.counter)
			} else {
				assert.Equal(t, ReasonWrongCredential, hs.Reason())
				assert.False(t, clientInst.installed)
				assert.False(t, peerInst.installed)
			}
		})
	}
}

func TestResponderReset(t *testing.T) {
	toPeer, toClient := &outbox{}, &outbox{}
	peer := NewResponder(crypto.PresharedKey{}, nil, toClient.send)

	run := func() {
		hs := NewHandshake(crypto.PresharedKey{}, &recordingInstaller{}, toPeer.send)
		require.NoError(t, hs.Start())
		for !hs.State().Terminal() {
			for len(toPeer.msgs) > 0 {
				require.NoError(t, peer.HandlePayload(toPeer.pop(t)))
			}
			_, _ = hs.HandlePayload(toClient.pop(t))
		}
		require.Equal(t, StateAuthenticated, hs.State())
	}

	run()
	// A second public key is out of order until the responder is reset.
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	assert.Error(t, peer.HandlePayload(buildPublicKeyRequest(kp.Public)))
	assert.Equal(t, StateFailed, peer.State())

	peer.Reset()
	assert.Equal(t, StateIdle, peer.State())
	_, _, ok := peer.SessionKey()
	assert.False(t, ok)
	run()
}
