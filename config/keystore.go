package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"

	"github.com/opd-ai/wearcore/crypto"
)

// Pairing key file format and key derivation parameters.
const (
	KeyFileVersion   = 1
	PBKDF2Iterations = 100000
	SaltSize         = 32
	nonceSize        = 24
	keyFileHeader    = 2 + SaltSize + nonceSize
)

// ErrKeyFileAuth is returned when a key file cannot be opened with the passphrase.
var ErrKeyFileAuth = errors.New("wrong passphrase or corrupted key file")

// SavePairingKeyFile encrypts key with a passphrase-derived key and writes it
// to path. Format: version u16 BE || salt || nonce || secretbox(key).
func SavePairingKeyFile(path string, passphrase []byte, key string) error {
	if len(passphrase) == 0 {
		return errors.New("passphrase cannot be empty")
	}

	out := make([]byte, keyFileHeader)
	binary.BigEndian.PutUint16(out, KeyFileVersion)
	salt := out[2 : 2+SaltSize]
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	copy(out[2+SaltSize:], nonce[:])

	sealKey := deriveFileKey(passphrase, salt)
	defer crypto.ZeroBytes(sealKey[:])
	out = secretbox.Seal(out, []byte(key), &nonce, &sealKey)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename key file: %w", err)
	}
	return nil
}

// LoadPairingKeyFile reads a file written by SavePairingKeyFile.
func LoadPairingKeyFile(path string, passphrase []byte) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}
	if len(data) < keyFileHeader+secretbox.Overhead {
		return "", fmt.Errorf("key file too short: %d bytes", len(data))
	}
	if v := binary.BigEndian.Uint16(data); v != KeyFileVersion {
		return "", fmt.Errorf("unsupported key file version: %d (expected %d)", v, KeyFileVersion)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[2+SaltSize:keyFileHeader])
	openKey := deriveFileKey(passphrase, data[2:2+SaltSize])
	defer crypto.ZeroBytes(openKey[:])

	plain, ok := secretbox.Open(nil, data[keyFileHeader:], &nonce, &openKey)
	if !ok {
		return "", ErrKeyFileAuth
	}
	return string(plain), nil
}

func deriveFileKey(passphrase, salt []byte) [32]byte {
	dk := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	var k [32]byte
	copy(k[:], dk)
	crypto.ZeroBytes(dk)
	return k
}
