package tlv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/opd-ai/wearcore/wireerr"
)

// ContainerFlag marks a tag whose value is a nested TLV list.
const ContainerFlag byte = 0x80

// Node is one tagged entry. Exactly one of Value or Children is meaningful:
// Children is non-nil for containers.
type Node struct {
	Tag      byte
	Value    []byte
	Children *TLV
}

// IsContainer reports whether the node holds a nested list.
func (n Node) IsContainer() bool { return n.Children != nil }

// TLV is an ordered list of nodes. Tags may repeat; repeated puts append.
//
// The builder methods return the receiver for chaining. The first invalid
// put is remembered and reported by Serialize and Err.
type TLV struct {
	nodes []Node
	err   error
}

// New returns an empty list.
func New() *TLV { return &TLV{} }

// Err returns the first builder error, if any.
func (t *TLV) Err() error { return t.err }

func (t *TLV) putLeaf(op string, tag byte, value []byte) *TLV {
	if tag&ContainerFlag != 0 {
		if t.err == nil {
			t.err = wireerr.New(wireerr.KindStructuralDecode, op, "leaf tag 0x%02x has the container bit set", tag)
		}
		return t
	}
	t.nodes = append(t.nodes, Node{Tag: tag, Value: value})
	return t
}

// Put appends an empty-valued flag node.
func (t *TLV) Put(tag byte) *TLV { return t.putLeaf("tlv.Put", tag, []byte{}) }

// PutBool appends a 1-byte boolean.
func (t *TLV) PutBool(tag byte, v bool) *TLV {
	var b byte
	if v {
		b = 1
	}
	return t.putLeaf("tlv.PutBool", tag, []byte{b})
}

// PutByte appends a 1-byte value.
func (t *TLV) PutByte(tag byte, v byte) *TLV { return t.putLeaf("tlv.PutByte", tag, []byte{v}) }

// PutShort appends a 2-byte big-endian value.
func (t *TLV) PutShort(tag byte, v uint16) *TLV {
	return t.putLeaf("tlv.PutShort", tag, binary.BigEndian.AppendUint16(nil, v))
}

// PutInteger appends a 4-byte big-endian value.
func (t *TLV) PutInteger(tag byte, v uint32) *TLV {
	return t.putLeaf("tlv.PutInteger", tag, binary.BigEndian.AppendUint32(nil, v))
}

// PutLong appends an 8-byte big-endian value.
func (t *TLV) PutLong(tag byte, v uint64) *TLV {
	return t.putLeaf("tlv.PutLong", tag, binary.BigEndian.AppendUint64(nil, v))
}

// PutString appends the UTF-8 bytes of v.
func (t *TLV) PutString(tag byte, v string) *TLV { return t.putLeaf("tlv.PutString", tag, []byte(v)) }

// PutBytes appends a copy of v.
func (t *TLV) PutBytes(tag byte, v []byte) *TLV {
	return t.putLeaf("tlv.PutBytes", tag, append([]byte{}, v...))
}

// PutObject appends child as a container under tag. The container bit is
// added to the stored tag.
func (t *TLV) PutObject(tag byte, child *TLV) *TLV {
	if child == nil {
		child = New()
	}
	if child.err != nil && t.err == nil {
		t.err = child.err
	}
	t.nodes = append(t.nodes, Node{Tag: tag | ContainerFlag, Children: child})
	return t
}

// Len returns the number of top-level nodes.
func (t *TLV) Len() int { return len(t.nodes) }

// Nodes returns the top-level nodes in insertion order.
func (t *TLV) Nodes() []Node {
	out := make([]Node, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// Tags returns the stored tag of every top-level node in order.
func (t *TLV) Tags() []byte {
	tags := make([]byte, len(t.nodes))
	for i, n := range t.nodes {
		tags[i] = n.Tag
	}
	return tags
}

// Equal reports whether t and o hold the same nodes in the same order.
func (t *TLV) Equal(o *TLV) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.nodes) != len(o.nodes) {
		return false
	}
	for i := range t.nodes {
		a, b := t.nodes[i], o.nodes[i]
		if a.Tag != b.Tag || a.IsContainer() != b.IsContainer() {
			return false
		}
		if a.IsContainer() {
			if !a.Children.Equal(b.Children) {
				return false
			}
		} else if !bytes.Equal(a.Value, b.Value) {
			return false
		}
	}
	return true
}

// String renders the tree for diagnostics, e.g. "{01:0a, 81:{02:ff}}".
func (t *TLV) String() string {
	var sb strings.Builder
	t.writeString(&sb)
	return sb.String()
}

func (t *TLV) writeString(sb *strings.Builder) {
	sb.WriteByte('{')
	for i, n := range t.nodes {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "%02x:", n.Tag)
		if n.IsContainer() {
			n.Children.writeString(sb)
		} else {
			fmt.Fprintf(sb, "%x", n.Value)
		}
	}
	sb.WriteByte('}')
}
