package tlv

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wearcore/wireerr"
)

// Mode selects how Parse treats structure it cannot decode.
type Mode int

const (
	// ModeStrict fails on any malformed node.
	ModeStrict Mode = iota
	// ModeTolerant keeps an undecodable container body as an opaque leaf and
	// stops at a truncated trailing node instead of failing.
	ModeTolerant
)

func (m Mode) String() string {
	if m == ModeTolerant {
		return "tolerant"
	}
	return "strict"
}

// MaxDepth is the deepest container nesting Parse accepts.
const MaxDepth = 32

// Parse decodes data into a tree.
func Parse(data []byte, mode Mode) (*TLV, error) {
	return parse(data, mode, 0)
}

func parse(data []byte, mode Mode, depth int) (*TLV, error) {
	if depth > MaxDepth {
		return nil, wireerr.New(wireerr.KindStructuralDecode, "tlv.Parse", "nesting deeper than %d", MaxDepth)
	}
	t := New()
	off := 0
	for off < len(data) {
		tag := data[off]
		length, n, err := readLength(data, off+1)
		if err == nil && off+1+n+length > len(data) {
			err = wireerr.New(wireerr.KindStructuralDecode, "tlv.Parse", "tag 0x%02x needs %d bytes, %d available", tag, length, len(data)-off-1-n)
		}
		if err != nil {
			if mode == ModeTolerant {
				logrus.WithFields(logrus.Fields{
					"function": "Parse",
					"tag":      tag,
					"offset":   off,
					"depth":    depth,
					"error":    err.Error(),
				}).Warn("Dropping truncated trailing TLV data")
				return t, nil
			}
			return nil, err
		}

		start := off + 1 + n
		value := data[start : start+length]
		off = start + length

		if tag&ContainerFlag == 0 {
			t.nodes = append(t.nodes, Node{Tag: tag, Value: append([]byte{}, value...)})
			continue
		}

		child, err := parse(value, ModeStrict, depth+1)
		if err != nil {
			if mode == ModeTolerant {
				logrus.WithFields(logrus.Fields{
					"function": "Parse",
					"tag":      tag,
					"depth":    depth,
				}).Debug("Keeping undecodable container as opaque value")
				t.nodes = append(t.nodes, Node{Tag: tag, Value: append([]byte{}, value...)})
				continue
			}
			return nil, wireerr.Wrap(wireerr.KindStructuralDecode, "tlv.Parse", err)
		}
		t.nodes = append(t.nodes, Node{Tag: tag, Children: child})
	}
	return t, nil
}
