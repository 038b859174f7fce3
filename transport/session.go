package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wearcore/crypto"
	"github.com/opd-ai/wearcore/limits"
	"github.com/opd-ai/wearcore/wireerr"
)

// Default session timings.
const (
	DefaultKeepaliveInterval = 25 * time.Minute
	DefaultKeepaliveIdle     = 24 * time.Minute
	DefaultReconnectDelay    = 5 * time.Second
)

// InitialRxSeq is the receive sequence number before the first frame arrives.
const InitialRxSeq byte = 0x5a

// channelDataHeader is session number, channel id and ack flag.
const channelDataHeader = 4

// ChannelMapVersion is the highest channel map version understood.
const ChannelMapVersion = 1

// SessionState is the framing layer's progress.
type SessionState uint8

const (
	StateDisconnected SessionState = iota
	StateChannelsRequested
	StateSessionStarting
	StateSessionActive
)

var sessionStateNames = map[SessionState]string{
	StateDisconnected:      "disconnected",
	StateChannelsRequested: "channels requested",
	StateSessionStarting:   "session starting",
	StateSessionActive:     "session active",
}

func (s SessionState) String() string {
	if n, ok := sessionStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ErrNoSession is returned when channel data is sent outside an active session.
var ErrNoSession = errors.New("no active session")

// ErrUnknownChannel is returned for an endpoint missing from the channel map.
var ErrUnknownChannel = errors.New("unknown channel")

// SessionHandlers receive session events. Any field may be nil.
type SessionHandlers struct {
	// OnChannelData receives the data of a channel frame, keyed by endpoint UUID.
	OnChannelData func(uuid string, data []byte)
	// OnSessionStarted is called after the peer acknowledges the session.
	OnSessionStarted func(mtu int)
	// OnSessionEnded is called when the peer ends the active session.
	OnSessionEnded func()
	// Reconnect is called ReconnectDelay after the active session ends.
	Reconnect func()
}

// SessionConfig holds session timings.
type SessionConfig struct {
	KeepaliveInterval time.Duration
	KeepaliveIdle     time.Duration
	ReconnectDelay    time.Duration
	TimeProvider      crypto.TimeProvider
	Random            io.Reader
}

// SessionStats counts session traffic.
type SessionStats struct {
	Parser        ParserStats
	FramesOut     uint64
	DroppedFrames uint64
	Pings         uint64
}

// Session runs the framing protocol over one stream link: channel
// discovery, session start, channel multiplexing and keepalive.
//
// Feed must be called from a single reader goroutine. SendChannelData and
// Ping may be called from any goroutine; all frame writes share one lock so
// sequence numbers follow write order.
type Session struct {
	writeMu sync.Mutex
	write   WriteFunc
	seqTx   byte

	feedMu sync.Mutex
	parser *Parser

	mu            sync.Mutex
	state         SessionState
	seqRx         byte
	number        byte
	nonce         uint32
	mtu           int
	channels      map[uint16]string
	byUUID        map[string]uint16
	lastDataWrite time.Time
	reconnect     *time.Timer
	stats         SessionStats

	handlers SessionHandlers
	cfg      SessionConfig
}

// NewSession creates a session writing frames through w.
func NewSession(w WriteFunc, h SessionHandlers, cfg SessionConfig) *Session {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.KeepaliveIdle <= 0 {
		cfg.KeepaliveIdle = DefaultKeepaliveIdle
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	cfg.TimeProvider = crypto.OrDefault(cfg.TimeProvider)
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	return &Session{
		write:    w,
		parser:   NewParser(),
		seqRx:    InitialRxSeq,
		channels: make(map[uint16]string),
		byUUID:   make(map[string]uint16),
		handlers: h,
		cfg:      cfg,
	}
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MTU returns the MTU announced by the peer, or 0 before the session starts.
func (s *Session) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// Channel returns the channel number for an endpoint UUID.
func (s *Session) Channel(uuid string) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.byUUID[CanonicalUUID(uuid)]
	return ch, ok
}

// Stats returns a snapshot of the counters. It must not be called from a
// SessionHandlers callback.
func (s *Session) Stats() SessionStats {
	s.feedMu.Lock()
	ps := s.parser.Stats()
	s.feedMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Parser = ps
	return st
}

// OnSkip forwards recoverable parse errors to fn.
func (s *Session) OnSkip(fn func(err error)) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	s.parser.OnSkip(fn)
}

// Start requests the channel map. It is called once the link is connected.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		st := s.state
		s.mu.Unlock()
		return wireerr.New(wireerr.KindProtocolState, "transport.Start", "session already %s", st)
	}
	s.state = StateChannelsRequested
	s.mu.Unlock()

	s.feedMu.Lock()
	s.parser.Reset()
	s.feedMu.Unlock()

	return s.writeFrame(CmdChannelsGet, nil)
}

// Feed consumes bytes read from the link and handles every complete frame.
// Errors in individual frames are logged and do not stop processing.
func (s *Session) Feed(data []byte) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	for _, f := range s.parser.Feed(data) {
		if err := s.handleFrame(f); err != nil {
			s.mu.Lock()
			s.stats.DroppedFrames++
			s.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "Session.Feed",
				"command":  f.Command.String(),
				"seq":      f.Seq,
				"error":    err.Error(),
			}).Warn("Dropping frame")
		}
	}
}

func (s *Session) handleFrame(f Frame) error {
	s.mu.Lock()
	s.seqRx = f.Seq
	s.mu.Unlock()

	switch f.Command {
	case CmdChannelsRet:
		return s.handleChannels(f.Payload)
	case CmdSessionStartAck:
		return s.handleSessionStartAck(f.Payload)
	case CmdSessionEnd:
		return s.handleSessionEnd(f.Payload)
	case CmdSessionEndAck:
		logrus.WithFields(logrus.Fields{
			"function": "Session.handleFrame",
			"payload":  fmt.Sprintf("%x", f.Payload),
		}).Debug("Got session end ack")
		return nil
	case CmdChannelData:
		return s.handleChannelData(f.Payload)
	case CmdChannelAck:
		logrus.WithFields(logrus.Fields{
			"function": "Session.handleFrame",
			"payload":  fmt.Sprintf("%x", f.Payload),
		}).Debug("Got channel ack")
		return nil
	case CmdPing:
		return s.handlePing(f.Payload)
	case CmdPong:
		return nil
	default:
		return wireerr.New(wireerr.KindProtocolState, "transport.handleFrame", "unexpected %s", f.Command)
	}
}

func (s *Session) handleChannels(p []byte) error {
	channels, err := ParseChannelMap(p)
	if err != nil {
		return err
	}

	var nonceBytes [4]byte
	if _, err := io.ReadFull(s.cfg.Random, nonceBytes[:]); err != nil {
		return fmt.Errorf("session nonce: %w", err)
	}

	s.mu.Lock()
	if s.state != StateChannelsRequested {
		st := s.state
		s.mu.Unlock()
		return wireerr.New(wireerr.KindProtocolState, "transport.handleChannels", "channel map in state %s", st)
	}
	s.channels = make(map[uint16]string, len(channels))
	s.byUUID = make(map[string]uint16, len(channels))
	for ch, id := range channels {
		s.channels[ch] = id
		s.byUUID[id] = ch
	}
	s.nonce = binary.LittleEndian.Uint32(nonceBytes[:])
	s.state = StateSessionStarting
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Session.handleChannels",
		"channels": len(channels),
	}).Info("Got channel map, starting session")
	return s.writeFrame(CmdSessionStart, nonceBytes[:])
}

func (s *Session) handleSessionStartAck(p []byte) error {
	if len(p) < 8 {
		return wireerr.New(wireerr.KindStructuralDecode, "transport.handleSessionStartAck", "payload of %d bytes", len(p))
	}
	nonce := binary.LittleEndian.Uint32(p)
	status := p[4]
	number := p[5]
	mtu := int(binary.LittleEndian.Uint16(p[6:]))

	s.mu.Lock()
	switch {
	case s.state != StateSessionStarting:
		st := s.state
		s.mu.Unlock()
		return wireerr.New(wireerr.KindProtocolState, "transport.handleSessionStartAck", "ack in state %s", st)
	case nonce != s.nonce:
		want := s.nonce
		s.mu.Unlock()
		return wireerr.New(wireerr.KindProtocolState, "transport.handleSessionStartAck", "nonce %08x, expected %08x", nonce, want)
	case status != 1:
		s.mu.Unlock()
		return wireerr.New(wireerr.KindProtocolState, "transport.handleSessionStartAck", "status %d", status)
	}
	s.number = number
	s.mtu = mtu
	s.state = StateSessionActive
	s.lastDataWrite = s.cfg.TimeProvider.Now()
	s.mu.Unlock()

	// Runs inside Feed, so feedMu is already held.
	s.parser.SetMaxPayload(MaxSessionPayload(mtu))

	logrus.WithFields(logrus.Fields{
		"function": "Session.handleSessionStartAck",
		"session":  number,
		"mtu":      mtu,
	}).Info("Session started")
	if s.handlers.OnSessionStarted != nil {
		s.handlers.OnSessionStarted(mtu)
	}
	return nil
}

// MaxSessionPayload is the largest frame payload expected once a session
// with the given MTU is active: a channel data header plus one chunk.
func MaxSessionPayload(mtu int) int {
	if mtu < limits.MaxWriteChunk {
		mtu = limits.MaxWriteChunk
	}
	return channelDataHeader + mtu
}

func (s *Session) handleSessionEnd(p []byte) error {
	if len(p) < 1 {
		return wireerr.New(wireerr.KindStructuralDecode, "transport.handleSessionEnd", "empty payload")
	}

	s.mu.Lock()
	if s.state != StateSessionActive || p[0] != s.number {
		number := s.number
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Session.handleSessionEnd",
			"session":  p[0],
			"active":   number,
		}).Debug("Ignoring end of inactive session")
		return nil
	}
	s.state = StateDisconnected
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	if s.handlers.Reconnect != nil {
		s.reconnect = time.AfterFunc(s.cfg.ReconnectDelay, s.handlers.Reconnect)
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Session.handleSessionEnd",
		"session":  p[0],
		"delay":    s.cfg.ReconnectDelay.String(),
	}).Warn("Active session ended, reconnecting after delay")
	if s.handlers.OnSessionEnded != nil {
		s.handlers.OnSessionEnded()
	}
	return nil
}

func (s *Session) handleChannelData(p []byte) error {
	if len(p) < channelDataHeader {
		return wireerr.New(wireerr.KindStructuralDecode, "transport.handleChannelData", "payload of %d bytes", len(p))
	}
	session := p[0]
	channel := binary.LittleEndian.Uint16(p[1:])
	mustAck := p[3] != 0
	data := p[4:]

	s.mu.Lock()
	if s.state != StateSessionActive || session != s.number {
		number := s.number
		s.mu.Unlock()
		return wireerr.New(wireerr.KindProtocolState, "transport.handleChannelData", "data for session %d, active %d", session, number)
	}
	uuid, ok := s.channels[channel]
	rxSeq := s.seqRx
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	if mustAck {
		if err := s.writeFrame(CmdChannelAck, []byte{session, rxSeq, 0x01, 0x00}); err != nil {
			return err
		}
	}
	if s.handlers.OnChannelData != nil {
		s.handlers.OnChannelData(uuid, data)
	}
	return nil
}

func (s *Session) handlePing(p []byte) error {
	if len(p) < 1 {
		return wireerr.New(wireerr.KindStructuralDecode, "transport.handlePing", "empty payload")
	}
	s.mu.Lock()
	number, state := s.number, s.state
	s.mu.Unlock()
	if state != StateSessionActive || p[0] != number {
		return wireerr.New(wireerr.KindProtocolState, "transport.handlePing", "ping for session %d, active %d", p[0], number)
	}
	return s.writeFrame(CmdPong, []byte{p[0], 0x01, 0x00, 0x00})
}

// SendChannelData writes data to the channel mapped to uuid.
func (s *Session) SendChannelData(uuid string, data []byte, requestAck bool) error {
	s.mu.Lock()
	if s.state != StateSessionActive {
		s.mu.Unlock()
		return ErrNoSession
	}
	ch, ok := s.byUUID[CanonicalUUID(uuid)]
	number := s.number
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, uuid)
	}

	var ack byte
	if requestAck {
		ack = 1
	}
	p := make([]byte, 0, channelDataHeader+len(data))
	p = append(p, number)
	p = binary.LittleEndian.AppendUint16(p, ch)
	p = append(p, ack)
	p = append(p, data...)
	if err := s.writeFrame(CmdChannelData, p); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastDataWrite = s.cfg.TimeProvider.Now()
	s.mu.Unlock()
	return nil
}

// WriteChannel implements the channel writer used by the connection layer.
func (s *Session) WriteChannel(uuid string, data []byte) error {
	return s.SendChannelData(uuid, data, false)
}

// Ping sends a keepalive for the active session.
func (s *Session) Ping() error {
	s.mu.Lock()
	if s.state != StateSessionActive {
		s.mu.Unlock()
		return ErrNoSession
	}
	number := s.number
	s.stats.Pings++
	s.mu.Unlock()
	return s.writeFrame(CmdPing, []byte{number, 0x01, 0x00, 0x00})
}

// KeepaliveTick sends a ping if the session is active and no channel data
// has been written for KeepaliveIdle. It returns the delay until the next
// check.
func (s *Session) KeepaliveTick() (time.Duration, error) {
	s.mu.Lock()
	active := s.state == StateSessionActive
	idle := s.cfg.TimeProvider.Since(s.lastDataWrite)
	s.mu.Unlock()

	if !active {
		return s.cfg.KeepaliveInterval, nil
	}
	if idle > s.cfg.KeepaliveIdle {
		logrus.WithFields(logrus.Fields{
			"function": "Session.KeepaliveTick",
			"idle":     idle.String(),
		}).Debug("Sending keepalive ping")
		return s.cfg.KeepaliveInterval, s.Ping()
	}
	return s.cfg.KeepaliveInterval - idle, nil
}

// RunKeepalive calls KeepaliveTick until ctx is done.
func (s *Session) RunKeepalive(ctx context.Context) {
	timer := time.NewTimer(s.cfg.KeepaliveInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			next, err := s.KeepaliveTick()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Session.RunKeepalive",
					"error":    err.Error(),
				}).Warn("Keepalive ping failed")
			}
			if next <= 0 {
				next = s.cfg.KeepaliveInterval
			}
			timer.Reset(next)
		}
	}
}

// Close stops a pending reconnect and marks the session disconnected.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	s.state = StateDisconnected
}

// Reset returns a disconnected session to its initial state so Start can run again.
func (s *Session) Reset() {
	s.writeMu.Lock()
	s.seqTx = 0
	s.writeMu.Unlock()

	s.feedMu.Lock()
	s.parser.Reset()
	s.feedMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	s.seqRx = InitialRxSeq
	s.number = 0
	s.mtu = 0
}

func (s *Session) writeFrame(cmd Command, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	f := Frame{Command: cmd, Seq: s.seqTx, Payload: payload}
	data, err := f.Serialize()
	if err != nil {
		return err
	}
	s.seqTx++
	if err := s.write(data); err != nil {
		return fmt.Errorf("write %s frame: %w", cmd, err)
	}

	s.mu.Lock()
	s.stats.FramesOut++
	s.mu.Unlock()
	return nil
}

// ParseChannelMap decodes a channels-ret payload:
//
//	version u8, count u16 LE, {uuid NUL-terminated, channel u16 LE}*
//
// UUIDs are returned in canonical lowercase form; a malformed UUID fails the
// whole map.
func ParseChannelMap(p []byte) (map[uint16]string, error) {
	if len(p) < 3 {
		return nil, wireerr.New(wireerr.KindStructuralDecode, "transport.ParseChannelMap", "payload of %d bytes", len(p))
	}
	if p[0] > ChannelMapVersion {
		return nil, wireerr.New(wireerr.KindProtocolState, "transport.ParseChannelMap", "unsupported version %d", p[0])
	}
	count := int(binary.LittleEndian.Uint16(p[1:]))
	rest := p[3:]

	out := make(map[uint16]string, count)
	for i := 0; i < count; i++ {
		end := bytes.IndexByte(rest, 0)
		if end < 0 || len(rest) < end+3 {
			return nil, wireerr.New(wireerr.KindStructuralDecode, "transport.ParseChannelMap", "entry %d of %d truncated", i, count)
		}
		id, err := uuid.Parse(string(rest[:end]))
		if err != nil {
			return nil, wireerr.Wrap(wireerr.KindStructuralDecode, "transport.ParseChannelMap", fmt.Errorf("entry %d: %w", i, err))
		}
		ch := binary.LittleEndian.Uint16(rest[end+1:])
		out[ch] = id.String()
		rest = rest[end+3:]
	}
	return out, nil
}

// BuildChannelMap encodes channels as a channels-ret payload, ordered by channel.
func BuildChannelMap(channels map[uint16]string) []byte {
	keys := make([]uint16, 0, len(channels))
	for ch := range channels {
		keys = append(keys, ch)
	}
	slices.Sort(keys)

	out := []byte{ChannelMapVersion}
	out = binary.LittleEndian.AppendUint16(out, uint16(len(keys)))
	for _, ch := range keys {
		out = append(out, channels[ch]...)
		out = append(out, 0)
		out = binary.LittleEndian.AppendUint16(out, ch)
	}
	return out
}
