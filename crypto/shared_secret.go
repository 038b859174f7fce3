package crypto

import (
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// DeriveSharedSecret computes the X25519 shared secret between our private
// scalar and the peer's public point.
func DeriveSharedSecret(peerPublicKey, privateKey [KeySize]byte) ([KeySize]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared secret using ECDH")

	// Create copies of the keys to prevent modification
	publicKeyCopy := peerPublicKey
	privateKeyCopy := privateKey
	defer ZeroBytes(privateKeyCopy[:])

	shared, err := noise.DH25519.DH(privateKeyCopy[:], publicKeyCopy[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"error":    err.Error(),
		}).Error("X25519 computation failed")
		return [KeySize]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	defer ZeroBytes(shared)

	var result [KeySize]byte
	copy(result[:], shared)
	return result, nil
}
