package chunked

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wearcore/crypto"
	"github.com/opd-ai/wearcore/limits"
	"github.com/opd-ai/wearcore/wireerr"
)

// DefaultStallTimeout is how long a partial message may wait for its next chunk.
const DefaultStallTimeout = 30 * time.Second

// MessageFunc receives a fully reassembled and decrypted message.
type MessageFunc func(logicalType uint16, payload []byte)

// DecoderStats counts decoder activity.
type DecoderStats struct {
	Chunks    uint64
	Messages  uint64
	Abandoned uint64
	Errors    uint64
}

type reassembly struct {
	handle      byte
	lastCount   byte
	logicalType uint16
	length      int
	expected    int
	encrypted   bool
	buf         []byte
	lastChunkAt time.Time
}

// Decoder reassembles chunks into logical messages. Decode must be called
// from one goroutine at a time; key and timeout setters may be called
// concurrently with it.
type Decoder struct {
	mu           sync.Mutex
	onMessage    MessageFunc
	extended     bool
	hasKey       bool
	key          crypto.SessionKey
	hasRxCounter bool
	rxCounter    uint32
	lastHandle   byte
	lastCount    byte
	current      *reassembly
	stallTimeout time.Duration
	timeProvider crypto.TimeProvider
	stats        DecoderStats
}

// NewDecoder creates a decoder that hands complete messages to fn.
func NewDecoder(fn MessageFunc, extended bool) *Decoder {
	return &Decoder{
		onMessage:    fn,
		extended:     extended,
		stallTimeout: DefaultStallTimeout,
		timeProvider: crypto.DefaultTimeProvider{},
	}
}

// SetKey installs the session key used for encrypted messages.
func (d *Decoder) SetKey(key crypto.SessionKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.key = key
	d.hasKey = true
	d.hasRxCounter = false
}

// SetStallTimeout sets how long a partial message may wait for its next chunk.
func (d *Decoder) SetStallTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stallTimeout = timeout
}

// SetTimeProvider sets the time source. This is primarily useful for testing.
func (d *Decoder) SetTimeProvider(tp crypto.TimeProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeProvider = crypto.OrDefault(tp)
}

// Reset drops the key and any partial message.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.key.Wipe()
	d.hasKey = false
	d.hasRxCounter = false
	d.current = nil
}

// Stats returns a snapshot of the counters.
func (d *Decoder) Stats() DecoderStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Ack returns the acknowledgement for the last chunk observed.
func (d *Decoder) Ack() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return BuildAck(d.lastHandle, d.lastCount)
}

// Decode consumes one chunk. It reports whether the chunk requested an
// acknowledgement. A returned error drops the message the chunk belonged to;
// the decoder stays usable for the next message.
func (d *Decoder) Decode(chunk []byte) (bool, error) {
	d.mu.Lock()
	typ, msg, needsAck, err := d.decodeLocked(chunk)
	if err != nil {
		d.stats.Errors++
	}
	d.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decoder.Decode",
			"error":    err.Error(),
		}).Warn("Dropping chunked message")
		return needsAck, err
	}
	if msg != nil && d.onMessage != nil {
		d.onMessage(typ, msg)
	}
	return needsAck, nil
}

func (d *Decoder) decodeLocked(chunk []byte) (uint16, []byte, bool, error) {
	h, data, err := ParseHeader(chunk, d.extended)
	if err != nil {
		return 0, nil, false, err
	}
	d.stats.Chunks++
	d.lastHandle, d.lastCount = h.Handle, h.Count
	now := d.timeProvider.Now()

	if h.IsFirst() {
		if d.current != nil {
			d.abandon("superseded by handle %d", h.Handle)
		}
		if h.Length > limits.MaxMessage {
			return 0, nil, h.NeedsAck(), wireerr.New(wireerr.KindStructuralDecode, "chunked.Decode", "length %d exceeds limit %d", h.Length, limits.MaxMessage)
		}
		if h.IsEncrypted() && !d.hasKey {
			return 0, nil, h.NeedsAck(), wireerr.New(wireerr.KindCrypto, "chunked.Decode", "encrypted message before key installation")
		}
		r := &reassembly{
			handle:      h.Handle,
			lastCount:   h.Count,
			logicalType: h.LogicalType,
			length:      int(h.Length),
			expected:    int(h.Length),
			encrypted:   h.IsEncrypted(),
		}
		if r.encrypted {
			r.expected = EncryptedLength(r.length)
		}
		r.buf = make([]byte, 0, r.expected)
		d.current = r
	} else {
		r := d.current
		switch {
		case r == nil:
			return 0, nil, h.NeedsAck(), wireerr.New(wireerr.KindReassembly, "chunked.Decode", "continuation chunk %d of handle %d without a first chunk", h.Count, h.Handle)
		case d.stalled(r):
			d.current = nil
			d.stats.Abandoned++
			return 0, nil, h.NeedsAck(), wireerr.New(wireerr.KindReassembly, "chunked.Decode", "handle %d stalled for more than %s", r.handle, d.stallTimeout)
		case h.Handle != r.handle:
			d.current = nil
			d.stats.Abandoned++
			return 0, nil, h.NeedsAck(), wireerr.New(wireerr.KindReassembly, "chunked.Decode", "handle %d while reassembling handle %d", h.Handle, r.handle)
		case h.Count != r.lastCount+1:
			d.current = nil
			d.stats.Abandoned++
			return 0, nil, h.NeedsAck(), wireerr.New(wireerr.KindReassembly, "chunked.Decode", "chunk %d after %d on handle %d", h.Count, r.lastCount, r.handle)
		case h.IsEncrypted() != r.encrypted:
			d.current = nil
			d.stats.Abandoned++
			return 0, nil, h.NeedsAck(), wireerr.New(wireerr.KindReassembly, "chunked.Decode", "encryption flag changed mid-message on handle %d", r.handle)
		}
		r.lastCount = h.Count
	}

	r := d.current
	r.lastChunkAt = now
	if len(r.buf)+len(data) > r.expected {
		d.current = nil
		d.stats.Abandoned++
		return 0, nil, h.NeedsAck(), wireerr.New(wireerr.KindReassembly, "chunked.Decode", "handle %d overflows announced length %d", r.handle, r.expected)
	}
	r.buf = append(r.buf, data...)

	if !h.IsLast() {
		return 0, nil, h.NeedsAck(), nil
	}
	d.current = nil
	if len(r.buf) != r.expected {
		d.stats.Abandoned++
		return 0, nil, h.NeedsAck(), wireerr.New(wireerr.KindReassembly, "chunked.Decode", "handle %d ended at %d of %d bytes", r.handle, len(r.buf), r.expected)
	}

	msg := r.buf
	if r.encrypted {
		msg, err = d.open(r)
		if err != nil {
			return 0, nil, h.NeedsAck(), err
		}
	}
	d.stats.Messages++

	logrus.WithFields(logrus.Fields{
		"function":     "Decoder.Decode",
		"logical_type": fmt.Sprintf("0x%04x", r.logicalType),
		"handle":       r.handle,
		"length":       len(msg),
		"encrypted":    r.encrypted,
	}).Debug("Reassembled chunked message")
	return r.logicalType, msg, h.NeedsAck(), nil
}

// open decrypts a complete message and verifies its counter and CRC.
func (d *Decoder) open(r *reassembly) ([]byte, error) {
	mk := crypto.MessageKey(d.key, r.handle)
	defer mk.Wipe()

	plain, err := crypto.DecryptAESECB(mk[:], r.buf)
	if err != nil {
		return nil, err
	}
	n := r.length
	counter := binary.LittleEndian.Uint32(plain[n:])
	sum := binary.LittleEndian.Uint32(plain[n+4:])
	if crc32.ChecksumIEEE(plain[:n+4]) != sum {
		return nil, wireerr.New(wireerr.KindCrypto, "chunked.Decode", "checksum mismatch after decrypting handle %d", r.handle)
	}
	if d.hasRxCounter && counter <= d.rxCounter {
		return nil, wireerr.New(wireerr.KindCrypto, "chunked.Decode", "counter %d not after %d", counter, d.rxCounter)
	}
	d.rxCounter, d.hasRxCounter = counter, true
	return plain[:n], nil
}

func (d *Decoder) stalled(r *reassembly) bool {
	return crypto.Expired(d.timeProvider, r.lastChunkAt, d.stallTimeout)
}

// abandon discards the partial message. Must be called with d.mu held.
func (d *Decoder) abandon(format string, args ...interface{}) {
	r := d.current
	d.current = nil
	d.stats.Abandoned++
	logrus.WithFields(logrus.Fields{
		"function": "Decoder.abandon",
		"handle":   r.handle,
		"received": len(r.buf),
		"expected": r.expected,
		"reason":   fmt.Sprintf(format, args...),
	}).Warn("Discarding partial chunked message")
}

// ExpireStalled discards a partial message whose next chunk is overdue and
// reports whether it did.
func (d *Decoder) ExpireStalled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil || !d.stalled(d.current) {
		return false
	}
	d.abandon("no chunk for more than %s", d.stallTimeout)
	return true
}
