package tlv

import (
	"github.com/opd-ai/wearcore/crypto"
	"github.com/opd-ai/wearcore/wireerr"
)

// Tags of the encrypted envelope.
const (
	TagEncryptedMarker byte = 0x7c
	TagCiphertext      byte = 0x7e
)

// IsEncrypted reports whether t is an encrypted envelope.
func (t *TLV) IsEncrypted() bool {
	marker, err := t.GetByte(TagEncryptedMarker)
	return err == nil && marker == 0x01 && t.hasLeaf(TagCiphertext)
}

// Encrypt serializes t and wraps the AES ciphertext in an envelope.
func (t *TLV) Encrypt(key []byte) (*TLV, error) {
	plain, err := t.Serialize()
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, wireerr.New(wireerr.KindCrypto, "tlv.Encrypt", "no session key")
	}
	ct, err := crypto.EncryptPadded(key, plain)
	if err != nil {
		return nil, err
	}
	return New().PutByte(TagEncryptedMarker, 0x01).PutBytes(TagCiphertext, ct), nil
}

// Decrypt opens an envelope and parses its body. A tree that is not an
// envelope is returned unchanged.
func (t *TLV) Decrypt(key []byte, mode Mode) (*TLV, error) {
	if !t.IsEncrypted() {
		return t, nil
	}
	if len(key) == 0 {
		return nil, wireerr.New(wireerr.KindCrypto, "tlv.Decrypt", "encrypted body but no session key")
	}
	ct, err := t.GetBytes(TagCiphertext)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.DecryptPadded(key, ct)
	if err != nil {
		return nil, wireerr.Wrap(wireerr.KindCrypto, "tlv.Decrypt", err)
	}
	return Parse(plain, mode)
}

// ParseMaybeEncrypted parses data and opens it if it is an envelope.
func ParseMaybeEncrypted(data, key []byte, mode Mode) (*TLV, error) {
	t, err := Parse(data, mode)
	if err != nil {
		return nil, err
	}
	return t.Decrypt(key, mode)
}
