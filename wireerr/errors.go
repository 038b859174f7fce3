// Package wireerr defines the error taxonomy shared by every layer of the
// device communication stack.
//
// Errors fall into two categories. Recoverable errors (checksum mismatches and
// frame delimiter mismatches) are handled locally by resynchronizing the byte
// stream and are never fatal. All other kinds are fatal to the message, the
// reassembly, or the handshake they occurred in.
//
// Every error produced by this module is an *Error carrying a Kind. A Kind's
// sentinel matches any *Error of that kind (or of a sub-kind):
//
//	if errors.Is(err, wireerr.ErrCrypto) {
//	    // decryption failure or wrong pairing credential
//	}
package wireerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind uint8

const (
	// KindStructuralDecode is a malformed TLV or message: wrong length, truncated buffer.
	KindStructuralDecode Kind = iota + 1
	// KindMissingField is a required tag that is absent.
	KindMissingField
	// KindTypeMismatch is a value that cannot be read as the requested type.
	// It is a sub-kind of KindStructuralDecode.
	KindTypeMismatch
	// KindCrypto is a decryption or key failure.
	KindCrypto
	// KindWrongCredential is the peer rejecting our pairing key.
	// It is a sub-kind of KindCrypto.
	KindWrongCredential
	// KindChecksum is a frame CRC mismatch.
	KindChecksum
	// KindDelimiter is a missing preamble or trailer byte.
	KindDelimiter
	// KindReassembly is an out-of-order, stale or abandoned chunk sequence.
	KindReassembly
	// KindProtocolState is a message received in a state that does not permit it.
	KindProtocolState
)

var kindNames = map[Kind]string{
	KindStructuralDecode: "structural decode",
	KindMissingField:     "missing field",
	KindTypeMismatch:     "type mismatch",
	KindCrypto:           "crypto",
	KindWrongCredential:  "wrong credential",
	KindChecksum:         "checksum",
	KindDelimiter:        "delimiter",
	KindReassembly:       "reassembly",
	KindProtocolState:    "protocol state",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// parent returns the kind this kind specializes, or 0.
func (k Kind) parent() Kind {
	switch k {
	case KindTypeMismatch:
		return KindStructuralDecode
	case KindWrongCredential:
		return KindCrypto
	default:
		return 0
	}
}

// Error is the concrete error type for every failure in the stack.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, including parent kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	for k := e.Kind; k != 0; k = k.parent() {
		if k == t.Kind {
			return true
		}
	}
	return false
}

// Sentinels for errors.Is matching.
var (
	ErrStructuralDecode = &Error{Kind: KindStructuralDecode}
	ErrMissingField     = &Error{Kind: KindMissingField}
	ErrTypeMismatch     = &Error{Kind: KindTypeMismatch}
	ErrCrypto           = &Error{Kind: KindCrypto}
	ErrWrongCredential  = &Error{Kind: KindWrongCredential}
	ErrChecksum         = &Error{Kind: KindChecksum}
	ErrDelimiter        = &Error{Kind: KindDelimiter}
	ErrReassembly       = &Error{Kind: KindReassembly}
	ErrProtocolState    = &Error{Kind: KindProtocolState}
)

// New returns an *Error of the given kind with a formatted cause.
func New(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap returns an *Error of the given kind wrapping err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRecoverable reports whether err belongs to the skip-and-continue category.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindChecksum, KindDelimiter:
		return true
	default:
		return false
	}
}
