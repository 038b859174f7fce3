// Package auth implements the pairing handshake that derives the session key.
//
// The exchange, as seen from the client, on logical type Endpoint:
//
//	-> 04 02 00 02 || clientPublic
//	<- 10 04 01 || random(16) || devicePublic
//	-> 05 || AES(psk, random) || AES(sessionKey, random)
//	<- 10 05 01           success
//	<- 10 05 25           wrong pairing key
//
// The session key is installed into the KeyInstaller as soon as it is
// derived, before the proof is sent. If the handshake later fails the key
// is withdrawn again with ClearSessionKey.
//
// Points are X25519: 32-byte public keys and a 32-byte shared secret.
// Production watches run this exchange over sect163r2 (ECDH_B163) with
// 48-byte points, so a real device rejects the first message; the
// handshake interoperates with simwatch and other X25519 peers only.
//
// SendFunc must not call back into the Handshake synchronously; replies are
// expected to arrive through HandlePayload from the read path.
package auth
