package chunked

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wearcore/crypto"
	"github.com/opd-ai/wearcore/limits"
	"github.com/opd-ai/wearcore/wireerr"
)

// WriteFunc delivers one chunk to the link.
type WriteFunc func(chunk []byte) error

// Encoder fragments logical messages into chunks. All writes are serialized
// by one lock so the handle sequence and the encryption counter only move
// forward, in emission order.
type Encoder struct {
	mu       sync.Mutex
	write    WriteFunc
	mtu      int
	extended bool
	handle   byte

	hasKey  bool
	key     crypto.SessionKey
	counter uint32
}

// NewEncoder creates an encoder writing through w.
func NewEncoder(w WriteFunc, mtu int, extended bool) *Encoder {
	if mtu < limits.DefaultMTU {
		mtu = limits.DefaultMTU
	}
	return &Encoder{write: w, mtu: mtu, extended: extended}
}

// SetMTU changes the MTU for subsequent writes.
func (e *Encoder) SetMTU(mtu int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mtu = mtu
}

// MTU returns the current MTU.
func (e *Encoder) MTU() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mtu
}

// SetEncryptionParameters installs the session key and counter seed.
func (e *Encoder) SetEncryptionParameters(key crypto.SessionKey, counter uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.key = key
	e.counter = counter
	e.hasKey = true
}

// Counter returns the counter the next encrypted write will use.
func (e *Encoder) Counter() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

// HasKey reports whether a session key is installed.
func (e *Encoder) HasKey() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasKey
}

// Reset drops the session key and restarts the handle sequence.
func (e *Encoder) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.key.Wipe()
	e.hasKey = false
	e.counter = 0
	e.handle = 0
}

// Write splits payload into chunks tagged with logicalType and emits them in
// order. The last chunk requests an ack when needsAck is set. When encrypt is
// set the whole message is encrypted under the per-handle key, consuming one
// counter value.
func (e *Encoder) Write(logicalType uint16, payload []byte, needsAck, encrypt bool) error {
	if err := limits.ValidateMessageSize(payload, limits.MaxMessage); err != nil {
		return fmt.Errorf("chunked write type 0x%04x: %w", logicalType, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if encrypt && !e.hasKey {
		logrus.WithFields(logrus.Fields{
			"function":     "Encoder.Write",
			"logical_type": fmt.Sprintf("0x%04x", logicalType),
		}).Error("Cannot encrypt without the session key")
		return wireerr.New(wireerr.KindCrypto, "chunked.Write", "no session key installed")
	}

	e.handle++
	data := payload
	if encrypt {
		var err error
		data, err = e.seal(payload)
		if err != nil {
			return err
		}
	}

	var flags byte
	if encrypt {
		flags |= FlagEncrypted
	}

	w := limits.MaxWrite(e.mtu)
	chunks := 0
	for off := 0; off < len(data); chunks++ {
		h := Header{Flags: flags, Handle: e.handle, Count: byte(chunks)}
		if off == 0 {
			h.Flags |= FlagFirst
			h.Length = uint32(len(payload))
			h.LogicalType = logicalType
		}
		capacity := w - HeaderSize(off == 0, e.extended)
		n := len(data) - off
		if n <= capacity {
			h.Flags |= FlagLast
			if needsAck {
				h.Flags |= FlagNeedsAck
			}
		} else {
			n = capacity
		}

		chunk := appendHeader(make([]byte, 0, n+HeaderSize(off == 0, e.extended)), h, e.extended)
		chunk = append(chunk, data[off:off+n]...)
		if err := e.write(chunk); err != nil {
			return fmt.Errorf("write chunk %d of handle %d: %w", chunks, e.handle, err)
		}
		off += n
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Encoder.Write",
		"logical_type": fmt.Sprintf("0x%04x", logicalType),
		"handle":       e.handle,
		"length":       len(payload),
		"chunks":       chunks,
		"encrypted":    encrypt,
	}).Debug("Wrote chunked message")
	return nil
}

// seal builds payload || counter || crc32, zero-pads it and encrypts it.
// Must be called with e.mu held.
func (e *Encoder) seal(payload []byte) ([]byte, error) {
	if e.counter == math.MaxUint32 {
		return nil, wireerr.New(wireerr.KindCrypto, "chunked.Write", "encryption counter exhausted")
	}
	n := len(payload)
	buf := make([]byte, n+encryptionTrailer)
	copy(buf, payload)
	binary.LittleEndian.PutUint32(buf[n:], e.counter)
	e.counter++
	binary.LittleEndian.PutUint32(buf[n+4:], crc32.ChecksumIEEE(buf[:n+4]))

	mk := crypto.MessageKey(e.key, e.handle)
	defer mk.Wipe()
	out, err := crypto.EncryptAESECB(mk[:], crypto.PadZero(buf))
	if err != nil {
		return nil, fmt.Errorf("seal handle %d: %w", e.handle, err)
	}
	return out, nil
}
