package chunked

import (
	"encoding/binary"

	"github.com/opd-ai/wearcore/limits"
	"github.com/opd-ai/wearcore/wireerr"
)

// Chunk and ack markers.
const (
	ChunkMarker byte = 0x03
	AckMarker   byte = 0x04
)

// Chunk flags.
const (
	FlagFirst     byte = 0x01
	FlagLast      byte = 0x02
	FlagNeedsAck  byte = 0x04
	FlagEncrypted byte = 0x08
)

// FirstChunkExtra is the length (u32) and logical type (u16) carried by the first chunk.
const FirstChunkExtra = 6

// encryptionTrailer is the counter (u32) and CRC32 (u32) appended before encryption.
const encryptionTrailer = 8

// Header is the decoded prefix of one chunk.
type Header struct {
	Flags  byte
	Handle byte
	Count  byte
	// Length and Type are only set on first chunks.
	Length      uint32
	LogicalType uint16
}

// IsFirst reports whether FlagFirst is set.
func (h Header) IsFirst() bool { return h.Flags&FlagFirst != 0 }

// IsLast reports whether FlagLast is set.
func (h Header) IsLast() bool { return h.Flags&FlagLast != 0 }

// NeedsAck reports whether FlagNeedsAck is set.
func (h Header) NeedsAck() bool { return h.Flags&FlagNeedsAck != 0 }

// IsEncrypted reports whether FlagEncrypted is set.
func (h Header) IsEncrypted() bool { return h.Flags&FlagEncrypted != 0 }

// HeaderSize returns the header length of a chunk.
func HeaderSize(first, extended bool) int {
	n := 4
	if extended {
		n++
	}
	if first {
		n += FirstChunkExtra
	}
	return n
}

func appendHeader(dst []byte, h Header, extended bool) []byte {
	dst = append(dst, ChunkMarker, h.Flags)
	if extended {
		dst = append(dst, 0)
	}
	dst = append(dst, h.Handle, h.Count)
	if h.IsFirst() {
		dst = binary.LittleEndian.AppendUint32(dst, h.Length)
		dst = binary.LittleEndian.AppendUint16(dst, h.LogicalType)
	}
	return dst
}

// ParseHeader decodes the header of chunk and returns it with the payload.
func ParseHeader(chunk []byte, extended bool) (Header, []byte, error) {
	if len(chunk) < 1 || chunk[0] != ChunkMarker {
		return Header{}, nil, wireerr.New(wireerr.KindStructuralDecode, "chunked.ParseHeader", "missing chunk marker")
	}
	if len(chunk) < HeaderSize(false, extended) {
		return Header{}, nil, wireerr.New(wireerr.KindStructuralDecode, "chunked.ParseHeader", "chunk of %d bytes is shorter than its header", len(chunk))
	}

	h := Header{Flags: chunk[1]}
	i := 2
	if extended {
		i++
	}
	h.Handle, h.Count = chunk[i], chunk[i+1]
	i += 2

	if h.IsFirst() {
		if len(chunk) < i+FirstChunkExtra {
			return Header{}, nil, wireerr.New(wireerr.KindStructuralDecode, "chunked.ParseHeader", "first chunk of %d bytes is shorter than its header", len(chunk))
		}
		h.Length = binary.LittleEndian.Uint32(chunk[i:])
		h.LogicalType = binary.LittleEndian.Uint16(chunk[i+4:])
		i += FirstChunkExtra
	}
	return h, chunk[i:], nil
}

// BuildAck returns the acknowledgement for the last chunk observed.
func BuildAck(handle, count byte) []byte {
	return []byte{AckMarker, 0x00, handle, 0x01, count}
}

// ParseAck decodes an acknowledgement.
func ParseAck(b []byte) (handle, count byte, err error) {
	if len(b) != 5 || b[0] != AckMarker || b[3] != 0x01 {
		return 0, 0, wireerr.New(wireerr.KindStructuralDecode, "chunked.ParseAck", "malformed ack % x", b)
	}
	return b[2], b[4], nil
}

// IsAck reports whether b looks like an acknowledgement rather than a chunk.
func IsAck(b []byte) bool { return len(b) > 0 && b[0] == AckMarker }

// EncryptedLength returns the wire length of an encrypted payload of n bytes.
func EncryptedLength(n int) int {
	n += encryptionTrailer
	if rem := n % limits.AESBlockSize; rem != 0 {
		n += limits.AESBlockSize - rem
	}
	return n
}

// ChunkCount returns how many chunks a payload of n bytes takes at mtu.
// The first chunk carries a longer header than the rest.
func ChunkCount(n, mtu int, extended, encrypt bool) int {
	if encrypt {
		n = EncryptedLength(n)
	}
	if n <= 0 {
		return 0
	}
	w := limits.MaxWrite(mtu)
	first := w - HeaderSize(true, extended)
	if n <= first {
		return 1
	}
	rest := w - HeaderSize(false, extended)
	return 1 + (n-first+rest-1)/rest
}
