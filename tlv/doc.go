// Package tlv implements the nested tag/length/value codec that carries
// every application message to and from the device.
//
// Each node is a 1-byte tag, a big-endian base-128 length, then the value.
// A tag with bit 0x80 set is a container whose value is itself a TLV list.
// Tags may repeat within one list.
//
//	req := tlv.New().
//	    PutByte(0x01, 0x03).
//	    PutObject(0x02, tlv.New().PutString(0x03, "Berlin"))
//	data, err := req.Serialize()
//
// Reads take the first matching node. Numeric getters widen: a field sent
// as one byte may be read with GetInteger. An absent tag is a
// wireerr.ErrMissingField; a width that cannot be widened is a
// wireerr.ErrTypeMismatch.
package tlv
