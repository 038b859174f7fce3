package transport

import "github.com/google/uuid"

// WriteFunc writes one serialized frame to the link.
type WriteFunc func(data []byte) error

// ChannelWriter sends data on a named endpoint of the link. On a BLE link the
// endpoint is a characteristic; on a stream link it is a multiplexed channel.
type ChannelWriter interface {
	WriteChannel(uuid string, data []byte) error
}

// Endpoint UUIDs used by the chunked transfer layer.
const (
	// UUIDChunkedWrite receives chunks written by the phone.
	UUIDChunkedWrite = "00000016-0000-3512-2118-0009af100700"
	// UUIDChunkedRead carries chunks and acks written by the watch.
	UUIDChunkedRead = "00000017-0000-3512-2118-0009af100700"
)

// CanonicalUUID returns s in lowercase hyphenated form. Strings that do not
// parse as a UUID are returned unchanged.
func CanonicalUUID(s string) string {
	u, err := uuid.Parse(s)
	if err != nil {
		return s
	}
	return u.String()
}

// SameUUID reports whether a and b name the same endpoint, ignoring case and
// the braced or urn forms accepted by uuid.Parse.
func SameUUID(a, b string) bool {
	if a == b {
		return true
	}
	ua, err := uuid.Parse(a)
	if err != nil {
		return false
	}
	ub, err := uuid.Parse(b)
	return err == nil && ua == ub
}
