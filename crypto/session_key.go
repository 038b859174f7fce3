package crypto

import (
	"encoding/binary"
)

// SessionKeySize is the length of the AES session key.
const SessionKeySize = 16

// Offsets into the X25519 shared secret. These match the device firmware and
// must not change without a capture confirming the new layout.
const (
	CounterOffset    = 0
	SessionKeyOffset = 8
)

// SessionKey is the symmetric key derived once per connection.
type SessionKey [SessionKeySize]byte

// Wipe zeroes the key.
func (k *SessionKey) Wipe() { ZeroBytes(k[:]) }

// DeriveSessionKey combines shared[8:24] with the pre-shared key.
func DeriveSessionKey(shared [KeySize]byte, psk PresharedKey) SessionKey {
	var key SessionKey
	for i := range key {
		key[i] = shared[SessionKeyOffset+i] ^ psk[i]
	}
	return key
}

// DeriveInitialCounter reads the encryption counter seed from shared[0:4].
func DeriveInitialCounter(shared [KeySize]byte) uint32 {
	return binary.LittleEndian.Uint32(shared[CounterOffset : CounterOffset+4])
}

// MessageKey returns the per-message key for an encrypted chunked write:
// every session key byte XORed with the write handle.
func MessageKey(key SessionKey, handle byte) SessionKey {
	var out SessionKey
	for i := range key {
		out[i] = key[i] ^ handle
	}
	return out
}
