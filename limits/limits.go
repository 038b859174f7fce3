package limits

import (
	"errors"
	"fmt"
)

const (
	// DefaultMTU is the conservative BLE ATT MTU used until the link renegotiates.
	DefaultMTU = 23

	// MaxMTU is the largest MTU a stream transport may announce (16-bit length field plus one).
	MaxMTU = 65536

	// ATTOverhead is the per-write overhead of the ATT layer (opcode + handle).
	ATTOverhead = 3

	// MaxWriteChunk caps a single write regardless of MTU.
	MaxWriteChunk = 512

	// MaxMessage is the largest reassembled logical message accepted from a peer.
	// This prevents memory exhaustion from a forged length header (4MB limit).
	MaxMessage = 4 * 1024 * 1024

	// MaxFramePayload is the largest payload a single transport frame can carry.
	MaxFramePayload = 0xFFFF

	// MaxAccumulatorBuffer bounds the framing accumulation buffer.
	MaxAccumulatorBuffer = 2 * (MaxFramePayload + 16)

	// AESBlockSize is the block size of every AES operation in the stack.
	AESBlockSize = 16
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMTUOutOfRange indicates an MTU outside [DefaultMTU, MaxMTU]
	ErrMTUOutOfRange = errors.New("mtu out of range")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateMTU checks that mtu lies within [DefaultMTU, maxMTU].
func ValidateMTU(mtu, maxMTU int) error {
	if maxMTU <= 0 || maxMTU > MaxMTU {
		maxMTU = MaxMTU
	}
	if mtu < DefaultMTU || mtu > maxMTU {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrMTUOutOfRange, mtu, DefaultMTU, maxMTU)
	}
	return nil
}

// MaxWrite returns the largest single write for the given MTU.
// MTU values below DefaultMTU are treated as DefaultMTU.
func MaxWrite(mtu int) int {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	w := mtu - ATTOverhead
	if w > MaxWriteChunk {
		w = MaxWriteChunk
	}
	return w
}
