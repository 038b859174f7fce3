package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sequentialSecret() [KeySize]byte {
	var s [KeySize]byte
	for i := range s {
		s[i] = byte(i)
	}
	return s
}

func TestDeriveSessionKey(t *testing.T) {
	shared := sequentialSecret()
	psk := DefaultPresharedKey

	key := DeriveSessionKey(shared, psk)
	for i := 0; i < SessionKeySize; i++ {
		assert.Equal(t, shared[8+i]^psk[i], key[i], "byte %d", i)
	}
}

func TestDeriveInitialCounter(t *testing.T) {
	shared := sequentialSecret()
	assert.Equal(t, uint32(0x03020100), DeriveInitialCounter(shared))
}

func TestMessageKey(t *testing.T) {
	var key SessionKey
	for i := range key {
		key[i] = byte(0xf0 + i)
	}

	assert.Equal(t, key, MessageKey(key, 0))
	mk := MessageKey(key, 0x0f)
	for i := range key {
		assert.Equal(t, key[i]^0x0f, mk[i])
	}
	assert.Equal(t, key, MessageKey(mk, 0x0f))
}
