// Package crypto implements the session cryptography of the device link.
//
// Key agreement runs over X25519 (the curve is fixed and not configurable).
// The shared secret is never used directly: DeriveSessionKey XORs a slice of
// it with the static pre-shared key, and DeriveInitialCounter seeds the
// chunk encryption counter from another slice.
//
// Example:
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    return err
//	}
//	defer kp.Wipe()
//	shared, err := crypto.DeriveSharedSecret(peerPublic, kp.Private)
//	if err != nil {
//	    return err
//	}
//	key := crypto.DeriveSessionKey(shared, crypto.ParsePresharedKey(pairingKey))
//	counter := crypto.DeriveInitialCounter(shared)
//
// # Block Cipher
//
// All bulk encryption is AES-128 in ECB mode over 16-byte blocks. Callers
// choose the padding: PadZero for chunked payloads (the length travels in
// the chunk header) and PKCS#7 for TLV envelopes.
//
// # Secure Memory
//
// Ephemeral private scalars and shared secrets are wiped with ZeroBytes as
// soon as the session key has been derived.
//
// # Thread Safety
//
// Every function in this package is stateless. The session key and counter
// belong to the connection that derived them.
package crypto
