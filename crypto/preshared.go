package crypto

import (
	"encoding/hex"
	"strings"
)

// PresharedKey is the static 16-byte key derived from the user's pairing credential.
type PresharedKey [SessionKeySize]byte

// DefaultPresharedKey is used when no pairing credential is configured.
var DefaultPresharedKey = PresharedKey{
	0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37,
	0x38, 0x39, 0x40, 0x41, 0x42, 0x43, 0x44, 0x45,
}

// ParsePresharedKey turns a pairing credential into a key.
//
// "0x" followed by 32 hex digits, or exactly 32 hex digits, is decoded as hex.
// Anything else contributes its trimmed UTF-8 bytes. The result overlays the
// first min(len, 16) bytes of DefaultPresharedKey.
func ParsePresharedKey(s string) PresharedKey {
	key := DefaultPresharedKey
	if s == "" {
		return key
	}

	src := []byte(strings.TrimSpace(s))
	switch {
	case len(s) == 34 && strings.HasPrefix(s, "0x"):
		if b, err := hex.DecodeString(s[2:]); err == nil {
			src = b
		}
	case len(s) == 32:
		if b, err := hex.DecodeString(s); err == nil {
			src = b
		}
	}

	copy(key[:], src)
	return key
}
