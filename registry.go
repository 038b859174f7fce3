package wearcore

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/opd-ai/wearcore/auth"
	"github.com/opd-ai/wearcore/tlv"
)

// Handler processes one reassembled message of a logical type.
type Handler interface {
	HandleMessage(logicalType uint16, payload []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(logicalType uint16, payload []byte) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(logicalType uint16, payload []byte) error {
	return f(logicalType, payload)
}

// TLVHandlerFunc receives a decoded TLV message.
type TLVHandlerFunc func(logicalType uint16, msg *tlv.TLV) error

// tlvHandler is registered through Connection.RegisterTLV. The connection
// decodes the payload, opening an encrypted envelope with the session key.
type tlvHandler struct {
	mode tlv.Mode
	fn   TLVHandlerFunc
}

func (h tlvHandler) HandleMessage(logicalType uint16, payload []byte) error {
	msg, err := tlv.Parse(payload, h.mode)
	if err != nil {
		return err
	}
	return h.fn(logicalType, msg)
}

var (
	// ErrReservedType is returned when registering the authentication endpoint.
	ErrReservedType = errors.New("logical type is reserved")
	// ErrDuplicateHandler is returned when a logical type already has a handler.
	ErrDuplicateHandler = errors.New("handler already registered")
)

// Registry maps logical message types to handlers. Each connection owns one.
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint16]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint16]Handler)}
}

// Register installs h for logicalType.
func (r *Registry) Register(logicalType uint16, h Handler) error {
	if logicalType == auth.Endpoint {
		return fmt.Errorf("%w: 0x%04x", ErrReservedType, logicalType)
	}
	if h == nil {
		return errors.New("nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[logicalType]; ok {
		return fmt.Errorf("%w: 0x%04x", ErrDuplicateHandler, logicalType)
	}
	r.handlers[logicalType] = h
	return nil
}

// Unregister removes the handler for logicalType.
func (r *Registry) Unregister(logicalType uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, logicalType)
}

// Lookup returns the handler for logicalType.
func (r *Registry) Lookup(logicalType uint16) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[logicalType]
	return h, ok
}

// Types returns the registered logical types in ascending order.
func (r *Registry) Types() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint16, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
