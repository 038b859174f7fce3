package wearcore

import (
	"io"

	"github.com/opd-ai/wearcore/crypto"
)

// Option configures a Connection.
type Option func(*options)

type options struct {
	timeProvider crypto.TimeProvider
	random       io.Reader
	registry     *Registry
}

// WithTimeProvider sets the clock used for handshake and reassembly
// timeouts. This is primarily useful for testing.
func WithTimeProvider(tp crypto.TimeProvider) Option {
	return func(o *options) { o.timeProvider = tp }
}

// WithRandom sets the entropy source for ephemeral keys and nonces.
func WithRandom(r io.Reader) Option {
	return func(o *options) { o.random = r }
}

// WithRegistry supplies a pre-populated handler registry.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.timeProvider = crypto.OrDefault(o.timeProvider)
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	return o
}
