package wearcore

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wearcore/auth"
	"github.com/opd-ai/wearcore/chunked"
	"github.com/opd-ai/wearcore/config"
	"github.com/opd-ai/wearcore/crypto"
	"github.com/opd-ai/wearcore/limits"
	"github.com/opd-ai/wearcore/tlv"
	"github.com/opd-ai/wearcore/transport"
	"github.com/opd-ai/wearcore/wireerr"
)

// MockTimeProvider is a controllable clock for timeout tests.
type MockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockTimeProvider() *MockTimeProvider {
	return &MockTimeProvider{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockTimeProvider) Since(t time.Time) time.Duration { return m.Now().Sub(t) }

func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

type linkWrite struct {
	uuid string
	data []byte
}

type peerMessage struct {
	logicalType uint16
	payload     []byte
}

// loopPeer is a watch without framing. Writes in both directions are queued
// and delivered by pump, so no call re-enters the sender.
type loopPeer struct {
	t         *testing.T
	conn      *Connection
	responder *auth.Responder
	enc       *chunked.Encoder
	dec       *chunked.Decoder

	toWatch  []linkWrite
	toPhone  []linkWrite
	received []peerMessage
	acks     int
}

func (p *loopPeer) WriteChannel(uuid string, data []byte) error {
	p.toWatch = append(p.toWatch, linkWrite{uuid, append([]byte{}, data...)})
	return nil
}

type peerInstaller struct{ p *loopPeer }

func (i peerInstaller) InstallSessionKey(key crypto.SessionKey, counter uint32) {
	i.p.enc.SetEncryptionParameters(key, counter)
	i.p.dec.SetKey(key)
}

func (i peerInstaller) ClearSessionKey() {
	i.p.enc.Reset()
	i.p.dec.Reset()
}

func testConfig() config.Config {
	return config.Default()
}

func newLoopPeer(t *testing.T, cfg config.Config, watchKey string, opts ...Option) *loopPeer {
	t.Helper()
	p := &loopPeer{t: t}
	p.resetWatch(cfg, watchKey)
	conn, err := NewConnection(cfg, p, opts...)
	require.NoError(t, err)
	p.conn = conn
	return p
}

// resetWatch gives the peer fresh chunking and handshake state, as a watch
// has after a session ends.
func (p *loopPeer) resetWatch(cfg config.Config, watchKey string) {
	p.enc = chunked.NewEncoder(func(chunk []byte) error {
		p.toPhone = append(p.toPhone, linkWrite{transport.UUIDChunkedRead, chunk})
		return nil
	}, cfg.MTU, cfg.ExtendedChunkFlags)
	p.dec = chunked.NewDecoder(func(logicalType uint16, payload []byte) {
		if logicalType == auth.Endpoint {
			_ = p.responder.HandlePayload(payload)
			return
		}
		p.received = append(p.received, peerMessage{logicalType, payload})
	}, cfg.ExtendedChunkFlags)
	p.responder = auth.NewResponder(crypto.ParsePresharedKey(watchKey), peerInstaller{p}, func(payload []byte) error {
		return p.enc.Write(auth.Endpoint, payload, false, false)
	})
}

// pump delivers queued writes until both directions are idle.
func (p *loopPeer) pump() {
	for len(p.toWatch) > 0 || len(p.toPhone) > 0 {
		p.pumpWatch()
		for len(p.toPhone) > 0 {
			w := p.toPhone[0]
			p.toPhone = p.toPhone[1:]
			p.conn.HandleChannelData(w.uuid, w.data)
		}
	}
}

// pumpWatch delivers the phone's queued writes to the watch side.
func (p *loopPeer) pumpWatch() {
	for len(p.toWatch) > 0 {
		w := p.toWatch[0]
		p.toWatch = p.toWatch[1:]
		if w.uuid == transport.UUIDChunkedRead {
			if chunked.IsAck(w.data) {
				p.acks++
			}
			continue
		}
		needsAck, err := p.dec.Decode(w.data)
		if err == nil && needsAck {
			// The watch acks phone chunks on the endpoint they arrived on.
			p.toPhone = append(p.toPhone, linkWrite{transport.UUIDChunkedWrite, p.dec.Ack()})
		}
	}
}

func (p *loopPeer) authenticate() {
	p.t.Helper()
	require.NoError(p.t, p.conn.Start())
	p.pump()
	require.True(p.t, p.conn.Authenticated())
}

func TestNewConnectionValidation(t *testing.T) {
	_, err := NewConnection(testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.MTU = 10
	_, err = NewConnection(cfg, &loopPeer{})
	assert.Error(t, err)
}

func TestHandshakeSucceeds(t *testing.T) {
	p := newLoopPeer(t, testConfig(), "")
	var authCount int
	p.conn.OnAuthenticated(func() { authCount++ })
	p.conn.OnAuthenticationFailed(func(auth.FailureReason, error) {
		t.Error("unexpected authentication failure")
	})

	assert.Equal(t, auth.StateIdle, p.conn.AuthState())
	p.authenticate()

	assert.Equal(t, 1, authCount)
	assert.Equal(t, auth.StateAuthenticated, p.conn.AuthState())
	assert.Equal(t, auth.StateAuthenticated, p.responder.State())
	assert.True(t, p.conn.HasSessionKey())

	err := p.conn.Start()
	assert.True(t, errors.Is(err, wireerr.ErrProtocolState))
	assert.Equal(t, 1, authCount)
}

func TestHandshakeWrongPairingKey(t *testing.T) {
	cfg := testConfig()
	cfg.PairingKey = "0123456789abcdef0123456789abcdef"
	p := newLoopPeer(t, cfg, "ffffffffffffffffffffffffffffffff")

	var reasons []auth.FailureReason
	var failErr error
	p.conn.OnAuthenticationFailed(func(reason auth.FailureReason, err error) {
		reasons = append(reasons, reason)
		failErr = err
	})
	p.conn.OnAuthenticated(func() { t.Error("unexpected authentication") })

	require.NoError(t, p.conn.Start())
	p.pump()

	require.Equal(t, []auth.FailureReason{auth.ReasonWrongCredential}, reasons)
	assert.True(t, errors.Is(failErr, wireerr.ErrWrongCredential))
	assert.Equal(t, "authentication failed, check your pairing key", reasons[0].String())
	assert.False(t, p.conn.Authenticated())
	assert.False(t, p.conn.HasSessionKey())
	assert.Equal(t, auth.StateFailed, p.conn.AuthState())
}

func TestSendRules(t *testing.T) {
	p := newLoopPeer(t, testConfig(), "")

	err := p.conn.Send(0x0013, []byte("hi"), false)
	assert.True(t, errors.Is(err, ErrNotAuthenticated))
	assert.True(t, errors.Is(err, wireerr.ErrProtocolState))

	err = p.conn.Send(auth.Endpoint, []byte{0x01}, false)
	assert.True(t, errors.Is(err, ErrReservedType))

	err = p.conn.SendSealedTLV(0x0013, tlv.New().PutByte(0x01, 1))
	assert.True(t, errors.Is(err, wireerr.ErrCrypto))

	p.authenticate()
	err = p.conn.Send(0x0013, nil, false)
	assert.True(t, errors.Is(err, limits.ErrMessageEmpty), "empty payload: %v", err)
	assert.Empty(t, p.toWatch)
}

func TestSendWithoutRequireAuth(t *testing.T) {
	cfg := testConfig()
	cfg.RequireAuth = false
	p := newLoopPeer(t, cfg, "")

	require.NoError(t, p.conn.Send(0x0013, []byte("plain"), false))
	p.pump()
	require.Len(t, p.received, 1)
	assert.Equal(t, []byte("plain"), p.received[0].payload)
}

func TestInboundBeforeAuthenticationRejected(t *testing.T) {
	p := newLoopPeer(t, testConfig(), "")
	p.conn.OnMessage(func(uint16, []byte) { t.Error("message delivered before authentication") })

	require.NoError(t, p.enc.Write(0x0013, []byte("too early"), false, false))
	p.pump()

	assert.Equal(t, uint64(1), p.conn.Stats().Rejected)
}

func TestEncryptedExchange(t *testing.T) {
	p := newLoopPeer(t, testConfig(), "")
	p.authenticate()

	payload := make([]byte, 10000)
	rand.New(rand.NewSource(7)).Read(payload)

	require.NoError(t, p.conn.SendWithAck(0x0013, payload, true))
	p.pump()
	require.Len(t, p.received, 1)
	assert.Equal(t, uint16(0x0013), p.received[0].logicalType)
	assert.True(t, bytes.Equal(payload, p.received[0].payload))
	assert.Equal(t, uint64(1), p.conn.Stats().AcksReceived)
	assert.Equal(t, uint64(1), p.conn.Stats().MessagesSent)

	var got []byte
	require.NoError(t, p.conn.Registry().Register(0x0015, HandlerFunc(func(_ uint16, b []byte) error {
		got = b
		return nil
	})))
	require.NoError(t, p.enc.Write(0x0015, []byte("from watch"), true, true))
	p.pump()
	assert.Equal(t, []byte("from watch"), got)
	assert.Equal(t, 1, p.acks)
}

func TestTLVHandlers(t *testing.T) {
	p := newLoopPeer(t, testConfig(), "")
	p.authenticate()
	key, _, ok := p.responder.SessionKey()
	require.True(t, ok)

	var name string
	require.NoError(t, p.conn.RegisterTLV(0x0020, tlv.ModeStrict, func(_ uint16, msg *tlv.TLV) error {
		var err error
		name, err = msg.GetString(0x02)
		return err
	}))

	sealed, err := tlv.New().PutByte(0x01, 0x05).PutString(0x02, "Alarm").Encrypt(key[:])
	require.NoError(t, err)
	data, err := sealed.Serialize()
	require.NoError(t, err)
	require.NoError(t, p.enc.Write(0x0020, data, false, false))
	p.pump()
	assert.Equal(t, "Alarm", name)

	require.NoError(t, p.conn.SendSealedTLV(0x0021, tlv.New().PutInteger(0x03, 42)))
	p.pump()
	require.Len(t, p.received, 1)
	msg, err := tlv.ParseMaybeEncrypted(p.received[0].payload, key[:], tlv.ModeStrict)
	require.NoError(t, err)
	v, err := msg.GetInteger(0x03)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
}

func TestHandlerErrorsCounted(t *testing.T) {
	p := newLoopPeer(t, testConfig(), "")
	p.authenticate()

	require.NoError(t, p.conn.RegisterTLV(0x0020, tlv.ModeStrict, func(uint16, *tlv.TLV) error {
		return errors.New("unexpected")
	}))
	require.NoError(t, p.enc.Write(0x0020, []byte{0x01, 0x01, 0x00}, false, true))
	// A truncated TLV body fails the decode, not the handler.
	require.NoError(t, p.enc.Write(0x0020, []byte{0x01, 0x05, 0x00}, false, true))
	p.pump()

	assert.Equal(t, uint64(2), p.conn.Stats().HandlerErrors)
}

func TestSetMTU(t *testing.T) {
	tests := []struct {
		name      string
		allowHigh bool
		mtu       int
		want      int
		notified  bool
	}{
		{"below minimum ignored", true, 20, 23, false},
		{"normal", true, 247, 247, true},
		{"unchanged", true, 23, 23, false},
		{"high allowed", true, 70000, 70000, true},
		{"high clamped", false, 70000, 65536, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.AllowHighMTU = tt.allowHigh
			p := newLoopPeer(t, cfg, "")
			var notified []int
			p.conn.OnMtuChanged(func(mtu int) { notified = append(notified, mtu) })

			p.conn.SetMTU(tt.mtu)
			assert.Equal(t, tt.want, p.conn.MTU())
			if tt.notified {
				assert.Equal(t, []int{tt.want}, notified)
			} else {
				assert.Empty(t, notified)
			}
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	clock := NewMockTimeProvider()
	p := newLoopPeer(t, testConfig(), "", WithTimeProvider(clock))
	var reasons []auth.FailureReason
	p.conn.OnAuthenticationFailed(func(reason auth.FailureReason, _ error) {
		reasons = append(reasons, reason)
	})

	require.NoError(t, p.conn.Start())
	clock.Advance(5 * time.Second)
	p.conn.CheckTimeouts()
	assert.Empty(t, reasons)

	clock.Advance(6 * time.Second)
	p.conn.CheckTimeouts()
	p.conn.CheckTimeouts()
	assert.Equal(t, []auth.FailureReason{auth.ReasonTimeout}, reasons)
	assert.Equal(t, auth.StateFailed, p.conn.AuthState())
}

func TestSessionEndedRequiresNewHandshake(t *testing.T) {
	p := newLoopPeer(t, testConfig(), "")
	ended := 0
	authCount := 0
	p.conn.OnSessionEnded(func() { ended++ })
	p.conn.OnAuthenticated(func() { authCount++ })
	p.authenticate()

	p.conn.SessionEnded()
	assert.Equal(t, 1, ended)
	assert.False(t, p.conn.Authenticated())
	assert.False(t, p.conn.HasSessionKey())
	assert.Equal(t, auth.StateIdle, p.conn.AuthState())
	assert.True(t, errors.Is(p.conn.Send(0x0013, []byte{1}, true), ErrNotAuthenticated))

	p.resetWatch(testConfig(), "")
	p.authenticate()
	assert.Equal(t, 2, authCount)
	assert.True(t, p.conn.HasSessionKey())
}

func TestIgnoresUnhandledEndpoint(t *testing.T) {
	p := newLoopPeer(t, testConfig(), "")
	p.conn.HandleChannelData(transport.UUIDChunkedWrite, []byte{0x03, 0x00, 0x00})
	p.conn.HandleChannelData("00000020-0000-3512-2118-0009af100700", []byte{0x03, 0x00, 0x00})
	assert.Equal(t, uint64(0), p.conn.Stats().Decoder.Chunks)
	assert.Equal(t, uint64(0), p.conn.Stats().AcksReceived)
}

func TestCountsAcksOnWriteEndpoint(t *testing.T) {
	p := newLoopPeer(t, testConfig(), "")
	p.conn.HandleChannelData(transport.UUIDChunkedWrite, chunked.BuildAck(1, 0))
	assert.Equal(t, uint64(1), p.conn.Stats().AcksReceived)

	p.conn.HandleChannelData(strings.ToUpper(transport.UUIDChunkedWrite), chunked.BuildAck(2, 0))
	assert.Equal(t, uint64(2), p.conn.Stats().AcksReceived)

	p.conn.HandleChannelData(transport.UUIDChunkedRead, chunked.BuildAck(3, 0))
	assert.Equal(t, uint64(3), p.conn.Stats().AcksReceived)

	p.conn.HandleChannelData(transport.UUIDChunkedWrite, []byte{chunked.AckMarker, 0x00})
	assert.Equal(t, uint64(3), p.conn.Stats().AcksReceived)
	assert.Equal(t, uint64(0), p.conn.Stats().Decoder.Chunks)
}

func TestAcceptsUppercaseReadEndpoint(t *testing.T) {
	p := newLoopPeer(t, testConfig(), "")
	require.NoError(t, p.conn.Start())
	for len(p.toWatch) > 0 || len(p.toPhone) > 0 {
		p.pumpWatch()
		for len(p.toPhone) > 0 {
			w := p.toPhone[0]
			p.toPhone = p.toPhone[1:]
			p.conn.HandleChannelData(strings.ToUpper(w.uuid), w.data)
		}
	}
	assert.True(t, p.conn.Authenticated())
}
