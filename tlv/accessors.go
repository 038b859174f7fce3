package tlv

import (
	"encoding/binary"

	"github.com/opd-ai/wearcore/wireerr"
)

// Contains reports whether a leaf or container with tag exists.
// It never changes the result of a later read.
func (t *TLV) Contains(tag byte) bool {
	plain := tag &^ ContainerFlag
	for _, n := range t.nodes {
		if n.Tag == tag || n.Tag == plain || n.Tag == plain|ContainerFlag {
			return true
		}
	}
	return false
}

func (t *TLV) leaf(op string, tag byte) ([]byte, error) {
	for _, n := range t.nodes {
		if n.Tag == tag && !n.IsContainer() {
			return n.Value, nil
		}
	}
	return nil, wireerr.New(wireerr.KindMissingField, op, "tag 0x%02x", tag)
}

// GetBytes returns the value of the first leaf with tag.
func (t *TLV) GetBytes(tag byte) ([]byte, error) {
	v, err := t.leaf("tlv.GetBytes", tag)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, v...), nil
}

// GetAllBytes returns the values of every leaf with tag, in order.
func (t *TLV) GetAllBytes(tag byte) [][]byte {
	var out [][]byte
	for _, n := range t.nodes {
		if n.Tag == tag && !n.IsContainer() {
			out = append(out, append([]byte{}, n.Value...))
		}
	}
	return out
}

// GetString returns the first leaf with tag as a string.
func (t *TLV) GetString(tag byte) (string, error) {
	v, err := t.leaf("tlv.GetString", tag)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// GetByte returns a 1-byte leaf.
func (t *TLV) GetByte(tag byte) (byte, error) {
	v, err := t.leaf("tlv.GetByte", tag)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, mismatch("tlv.GetByte", tag, len(v))
	}
	return v[0], nil
}

// GetBool returns a 1-byte leaf as a boolean; any non-zero value is true.
func (t *TLV) GetBool(tag byte) (bool, error) {
	v, err := t.leaf("tlv.GetBool", tag)
	if err != nil {
		return false, err
	}
	if len(v) != 1 {
		return false, mismatch("tlv.GetBool", tag, len(v))
	}
	return v[0] != 0, nil
}

// GetShort reads a 1 or 2 byte leaf, zero-extending a single byte.
func (t *TLV) GetShort(tag byte) (uint16, error) {
	v, err := t.leaf("tlv.GetShort", tag)
	if err != nil {
		return 0, err
	}
	u, err := widen("tlv.GetShort", tag, v, 1, 2)
	return uint16(u), err
}

// GetInteger reads a 1, 2 or 4 byte leaf, zero-extending narrower widths.
// Firmware versions disagree on field widths, so callers should prefer the
// widest getter that fits the logical field.
func (t *TLV) GetInteger(tag byte) (uint32, error) {
	v, err := t.leaf("tlv.GetInteger", tag)
	if err != nil {
		return 0, err
	}
	u, err := widen("tlv.GetInteger", tag, v, 1, 2, 4)
	return uint32(u), err
}

// GetAsInteger is GetInteger.
func (t *TLV) GetAsInteger(tag byte) (uint32, error) { return t.GetInteger(tag) }

// GetLong reads a 1, 2, 4 or 8 byte leaf, zero-extending narrower widths.
func (t *TLV) GetLong(tag byte) (uint64, error) {
	v, err := t.leaf("tlv.GetLong", tag)
	if err != nil {
		return 0, err
	}
	return widen("tlv.GetLong", tag, v, 1, 2, 4, 8)
}

// GetObject returns the first container with tag. The container bit is
// optional in tag.
func (t *TLV) GetObject(tag byte) (*TLV, error) {
	want := tag | ContainerFlag
	for _, n := range t.nodes {
		if n.Tag == want && n.IsContainer() {
			return n.Children, nil
		}
	}
	return nil, wireerr.New(wireerr.KindMissingField, "tlv.GetObject", "container tag 0x%02x", tag&^ContainerFlag)
}

// GetObjects returns every container with tag, in order. The result is
// empty, not an error, when none exist.
func (t *TLV) GetObjects(tag byte) []*TLV {
	want := tag | ContainerFlag
	var out []*TLV
	for _, n := range t.nodes {
		if n.Tag == want && n.IsContainer() {
			out = append(out, n.Children)
		}
	}
	return out
}

// GetByteOr returns def when tag is absent.
func (t *TLV) GetByteOr(tag byte, def byte) (byte, error) {
	if !t.hasLeaf(tag) {
		return def, nil
	}
	return t.GetByte(tag)
}

// GetBoolOr returns def when tag is absent.
func (t *TLV) GetBoolOr(tag byte, def bool) (bool, error) {
	if !t.hasLeaf(tag) {
		return def, nil
	}
	return t.GetBool(tag)
}

// GetShortOr returns def when tag is absent.
func (t *TLV) GetShortOr(tag byte, def uint16) (uint16, error) {
	if !t.hasLeaf(tag) {
		return def, nil
	}
	return t.GetShort(tag)
}

// GetIntegerOr returns def when tag is absent.
func (t *TLV) GetIntegerOr(tag byte, def uint32) (uint32, error) {
	if !t.hasLeaf(tag) {
		return def, nil
	}
	return t.GetInteger(tag)
}

// GetLongOr returns def when tag is absent.
func (t *TLV) GetLongOr(tag byte, def uint64) (uint64, error) {
	if !t.hasLeaf(tag) {
		return def, nil
	}
	return t.GetLong(tag)
}

// GetStringOr returns def when tag is absent.
func (t *TLV) GetStringOr(tag byte, def string) string {
	v, err := t.GetString(tag)
	if err != nil {
		return def
	}
	return v
}

func (t *TLV) hasLeaf(tag byte) bool {
	_, err := t.leaf("", tag)
	return err == nil
}

func widen(op string, tag byte, v []byte, widths ...int) (uint64, error) {
	for _, w := range widths {
		if len(v) != w {
			continue
		}
		switch w {
		case 1:
			return uint64(v[0]), nil
		case 2:
			return uint64(binary.BigEndian.Uint16(v)), nil
		case 4:
			return uint64(binary.BigEndian.Uint32(v)), nil
		case 8:
			return binary.BigEndian.Uint64(v), nil
		}
	}
	return 0, mismatch(op, tag, len(v))
}

func mismatch(op string, tag byte, n int) error {
	return wireerr.New(wireerr.KindTypeMismatch, op, "tag 0x%02x has %d bytes", tag, n)
}
