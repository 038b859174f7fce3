package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of an X25519 scalar or point.
const KeySize = 32

// KeyPair is an ephemeral X25519 key pair used for one key-exchange round.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	return GenerateKeyPairFrom(rand.Reader)
}

// GenerateKeyPairFrom creates a key pair reading entropy from r.
func GenerateKeyPairFrom(r io.Reader) (*KeyPair, error) {
	dh, err := noise.DH25519.GenerateKeypair(r)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	if len(dh.Public) != KeySize || len(dh.Private) != KeySize {
		return nil, errors.New("generate keypair: unexpected key length")
	}

	kp := &KeyPair{}
	copy(kp.Public[:], dh.Public)
	copy(kp.Private[:], dh.Private)
	ZeroBytes(dh.Private)
	return kp, nil
}

// FromSecretKey creates a key pair from an existing private scalar.
func FromSecretKey(secretKey [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Wipe zeroes the private scalar.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
