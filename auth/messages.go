package auth

import (
	"github.com/opd-ai/wearcore/crypto"
	"github.com/opd-ai/wearcore/wireerr"
)

// Endpoint is the logical type that carries handshake messages.
const Endpoint uint16 = 0x0082

// Command and status bytes.
const (
	CmdPublicKey  byte = 0x04
	CmdSessionKey byte = 0x05

	ResponseMarker byte = 0x10

	StatusSuccess  byte = 0x01
	StatusWrongKey byte = 0x25
)

// RandomSize is the length of the peer-chosen nonce.
const RandomSize = 16

var versionMarker = []byte{0x02, 0x00, 0x02}

func buildPublicKeyRequest(pub [crypto.KeySize]byte) []byte {
	out := make([]byte, 0, 1+len(versionMarker)+crypto.KeySize)
	out = append(out, CmdPublicKey)
	out = append(out, versionMarker...)
	return append(out, pub[:]...)
}

func parsePublicKeyRequest(p []byte) ([crypto.KeySize]byte, error) {
	var pub [crypto.KeySize]byte
	if len(p) != 1+len(versionMarker)+crypto.KeySize || p[0] != CmdPublicKey {
		return pub, wireerr.New(wireerr.KindStructuralDecode, "auth.parsePublicKeyRequest", "unexpected request of %d bytes", len(p))
	}
	if p[1] != versionMarker[0] || p[2] != versionMarker[1] || p[3] != versionMarker[2] {
		return pub, wireerr.New(wireerr.KindProtocolState, "auth.parsePublicKeyRequest", "unsupported version % x", p[1:4])
	}
	copy(pub[:], p[4:])
	return pub, nil
}

func buildPublicKeyResponse(random [RandomSize]byte, pub [crypto.KeySize]byte) []byte {
	out := make([]byte, 0, 3+RandomSize+crypto.KeySize)
	out = append(out, ResponseMarker, CmdPublicKey, StatusSuccess)
	out = append(out, random[:]...)
	return append(out, pub[:]...)
}

func parsePublicKeyResponse(p []byte) (random [RandomSize]byte, pub [crypto.KeySize]byte, err error) {
	if len(p) < 3 {
		return random, pub, wireerr.New(wireerr.KindStructuralDecode, "auth.parsePublicKeyResponse", "response of %d bytes", len(p))
	}
	if p[2] != StatusSuccess {
		return random, pub, wireerr.New(wireerr.KindProtocolState, "auth.parsePublicKeyResponse", "peer refused public key, status 0x%02x", p[2])
	}
	if len(p) != 3+RandomSize+crypto.KeySize {
		return random, pub, wireerr.New(wireerr.KindStructuralDecode, "auth.parsePublicKeyResponse", "response of %d bytes, want %d", len(p), 3+RandomSize+crypto.KeySize)
	}
	copy(random[:], p[3:3+RandomSize])
	copy(pub[:], p[3+RandomSize:])
	return random, pub, nil
}

func buildProof(psk crypto.PresharedKey, key crypto.SessionKey, random [RandomSize]byte) ([]byte, error) {
	withPSK, err := crypto.EncryptAESECB(psk[:], random[:])
	if err != nil {
		return nil, err
	}
	withKey, err := crypto.EncryptAESECB(key[:], random[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+2*RandomSize)
	out = append(out, CmdSessionKey)
	out = append(out, withPSK...)
	return append(out, withKey...), nil
}
