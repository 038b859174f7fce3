package crypto

import (
	"bytes"
	"crypto/aes"
	"fmt"

	"github.com/opd-ai/wearcore/wireerr"
)

// BlockSize is the AES block size.
const BlockSize = aes.BlockSize

// EncryptAESECB encrypts plaintext block by block. The plaintext length must
// be a multiple of BlockSize.
func EncryptAESECB(key, plaintext []byte) ([]byte, error) {
	return ecb(key, plaintext, true)
}

// DecryptAESECB reverses EncryptAESECB.
func DecryptAESECB(key, ciphertext []byte) ([]byte, error) {
	return ecb(key, ciphertext, false)
}

func ecb(key, in []byte, encrypt bool) ([]byte, error) {
	op := "crypto.DecryptAESECB"
	if encrypt {
		op = "crypto.EncryptAESECB"
	}
	if len(in)%BlockSize != 0 {
		return nil, wireerr.New(wireerr.KindCrypto, op, "input length %d is not a multiple of %d", len(in), BlockSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wireerr.Wrap(wireerr.KindCrypto, op, err)
	}

	out := make([]byte, len(in))
	for i := 0; i < len(in); i += BlockSize {
		if encrypt {
			block.Encrypt(out[i:i+BlockSize], in[i:i+BlockSize])
		} else {
			block.Decrypt(out[i:i+BlockSize], in[i:i+BlockSize])
		}
	}
	return out, nil
}

// PadZero returns data extended with zero bytes to a multiple of BlockSize.
// A buffer that is already aligned is returned as a copy without extra padding.
func PadZero(data []byte) []byte {
	n := len(data)
	if rem := n % BlockSize; rem != 0 {
		n += BlockSize - rem
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

// PadPKCS7 appends PKCS#7 padding. An aligned input gains a full block.
func PadPKCS7(data []byte) []byte {
	pad := BlockSize - len(data)%BlockSize
	return append(append(make([]byte, 0, len(data)+pad), data...), bytes.Repeat([]byte{byte(pad)}, pad)...)
}

// UnpadPKCS7 strips PKCS#7 padding, validating every pad byte.
func UnpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, wireerr.New(wireerr.KindCrypto, "crypto.UnpadPKCS7", "invalid padded length %d", len(data))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > BlockSize {
		return nil, wireerr.New(wireerr.KindCrypto, "crypto.UnpadPKCS7", "invalid padding byte 0x%02x", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, wireerr.New(wireerr.KindCrypto, "crypto.UnpadPKCS7", "corrupt padding")
		}
	}
	return data[:len(data)-pad], nil
}

// EncryptPadded applies PKCS#7 padding and encrypts with AES-ECB.
func EncryptPadded(key, plaintext []byte) ([]byte, error) {
	return EncryptAESECB(key, PadPKCS7(plaintext))
}

// DecryptPadded decrypts with AES-ECB and strips PKCS#7 padding.
func DecryptPadded(key, ciphertext []byte) ([]byte, error) {
	plain, err := DecryptAESECB(key, ciphertext)
	if err != nil {
		return nil, err
	}
	out, err := UnpadPKCS7(plain)
	if err != nil {
		return nil, fmt.Errorf("decrypt padded: %w", err)
	}
	return out, nil
}
