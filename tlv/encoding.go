package tlv

import (
	"github.com/opd-ai/wearcore/limits"
	"github.com/opd-ai/wearcore/wireerr"
)

// maxLengthBytes bounds the varint length prefix; four 7-bit groups cover
// limits.MaxMessage.
const maxLengthBytes = 4

// appendLength writes n as a big-endian base-128 varint. Every byte except
// the last carries the continuation bit.
func appendLength(dst []byte, n int) []byte {
	var tmp [5]byte
	i := len(tmp) - 1
	tmp[i] = byte(n & 0x7f)
	for n >>= 7; n > 0; n >>= 7 {
		i--
		tmp[i] = byte(n&0x7f) | 0x80
	}
	return append(dst, tmp[i:]...)
}

// readLength decodes a varint length at data[off:]. It returns the value and
// the number of bytes consumed.
func readLength(data []byte, off int) (int, int, error) {
	n := 0
	for i := 0; i < maxLengthBytes; i++ {
		if off+i >= len(data) {
			return 0, 0, wireerr.New(wireerr.KindStructuralDecode, "tlv.readLength", "truncated length at offset %d", off)
		}
		b := data[off+i]
		n = n<<7 | int(b&0x7f)
		if b&0x80 == 0 {
			if n > limits.MaxMessage {
				return 0, 0, wireerr.New(wireerr.KindStructuralDecode, "tlv.readLength", "length %d exceeds limit %d", n, limits.MaxMessage)
			}
			return n, i + 1, nil
		}
	}
	return 0, 0, wireerr.New(wireerr.KindStructuralDecode, "tlv.readLength", "length prefix longer than %d bytes at offset %d", maxLengthBytes, off)
}

// Serialize encodes the tree depth first in insertion order.
func (t *TLV) Serialize() ([]byte, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.appendTo(nil)
}

func (t *TLV) appendTo(dst []byte) ([]byte, error) {
	for _, n := range t.nodes {
		value := n.Value
		if n.IsContainer() {
			if n.Children.err != nil {
				return nil, n.Children.err
			}
			var err error
			value, err = n.Children.appendTo(nil)
			if err != nil {
				return nil, err
			}
		}
		dst = append(dst, n.Tag)
		dst = appendLength(dst, len(value))
		dst = append(dst, value...)
	}
	return dst, nil
}
