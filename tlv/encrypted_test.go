package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wearcore/wireerr"
)

func TestEncryptedEnvelopeRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x5a}, 16)
	body := sampleTree()

	env, err := body.Encrypt(key)
	require.NoError(t, err)
	assert.True(t, env.IsEncrypted())
	assert.False(t, body.IsEncrypted())

	data, err := env.Serialize()
	require.NoError(t, err)

	opened, err := ParseMaybeEncrypted(data, key, ModeStrict)
	require.NoError(t, err)
	assert.True(t, body.Equal(opened))
}

func TestPlainTreePassesThroughDecrypt(t *testing.T) {
	body := sampleTree()
	data, err := body.Serialize()
	require.NoError(t, err)

	opened, err := ParseMaybeEncrypted(data, nil, ModeStrict)
	require.NoError(t, err)
	assert.True(t, body.Equal(opened))
}

func TestDecryptFailures(t *testing.T) {
	key := bytes.Repeat([]byte{0x5a}, 16)
	env, err := New().PutString(0x01, "secret").Encrypt(key)
	require.NoError(t, err)

	_, err = env.Decrypt(nil, ModeStrict)
	assert.True(t, errors.Is(err, wireerr.ErrCrypto), "missing key")

	corrupt := New().PutByte(TagEncryptedMarker, 1).PutBytes(TagCiphertext, []byte{1, 2, 3})
	_, err = corrupt.Decrypt(key, ModeStrict)
	assert.True(t, errors.Is(err, wireerr.ErrCrypto), "ciphertext not block aligned")
	assert.False(t, errors.Is(err, wireerr.ErrStructuralDecode))

	_, err = New().Encrypt(nil)
	assert.True(t, errors.Is(err, wireerr.ErrCrypto))
}
