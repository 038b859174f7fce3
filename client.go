package wearcore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wearcore/auth"
	"github.com/opd-ai/wearcore/config"
	"github.com/opd-ai/wearcore/transport"
)

// maintenanceInterval is how often handshake and reassembly timeouts are checked.
const maintenanceInterval = time.Second

// Stats combines connection and framing counters.
type Stats struct {
	Connection ConnectionStats
	Session    transport.SessionStats
}

// ErrReconnect is returned by Run when the watch ends the active session.
// The stream has been closed and ReconnectDelay has passed; the owner
// attaches a new stream with Redial or Reattach and calls Run again.
var ErrReconnect = errors.New("session ended by watch, reconnect required")

// errNotDialed is returned by Redial on a client built from an existing stream.
var errNotDialed = errors.New("stream client has no dial configuration")

// StreamClient runs a Connection over a framed byte stream: the framing
// session is started first, and the handshake begins once the watch
// acknowledges the session and reports its MTU.
type StreamClient struct {
	conn    *Connection
	session *transport.Session
	dial    *transport.DialConfig

	mu        sync.Mutex
	stream    *transport.StreamTransport
	closed    bool
	ended     bool
	done      chan struct{}
	reconnect chan struct{}
}

// NewStreamClient builds a client over an established stream.
func NewStreamClient(rwc io.ReadWriteCloser, cfg config.Config, opts ...Option) (*StreamClient, error) {
	return newStreamClient(transport.NewStreamTransport(rwc), nil, cfg, opts...)
}

// DialStream connects to a watch (or emulator) over TCP. The dial
// configuration is kept for Redial.
func DialStream(ctx context.Context, cfg config.Config, dial transport.DialConfig, opts ...Option) (*StreamClient, error) {
	stream, err := transport.Dial(ctx, dial)
	if err != nil {
		return nil, err
	}
	c, err := newStreamClient(stream, &dial, cfg, opts...)
	if err != nil {
		stream.Close()
		return nil, err
	}
	return c, nil
}

func newStreamClient(stream *transport.StreamTransport, dial *transport.DialConfig, cfg config.Config, opts ...Option) (*StreamClient, error) {
	o := buildOptions(opts)
	c := &StreamClient{
		stream:    stream,
		dial:      dial,
		done:      make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}

	c.session = transport.NewSession(c.write, transport.SessionHandlers{
		OnChannelData:    c.handleChannelData,
		OnSessionStarted: c.sessionStarted,
		OnSessionEnded:   c.sessionEnded,
		Reconnect:        c.reconnectDue,
	}, transport.SessionConfig{
		KeepaliveInterval: cfg.KeepaliveInterval,
		KeepaliveIdle:     cfg.KeepaliveIdle,
		ReconnectDelay:    cfg.ReconnectDelay,
		TimeProvider:      o.timeProvider,
		Random:            o.random,
	})

	conn, err := NewConnection(cfg, c.session, opts...)
	if err != nil {
		return nil, err
	}
	conn.closeOnAuthFailure = c.authFailed
	c.conn = conn
	return c, nil
}

// Connection returns the protocol connection. Register handlers and
// callbacks on it before calling Run.
func (c *StreamClient) Connection() *Connection { return c.conn }

// Session returns the framing session.
func (c *StreamClient) Session() *transport.Session { return c.session }

// Run starts the framing session and processes the stream until ctx is done
// or the stream ends. A failed handshake closes the stream and Run returns
// nil. When the watch ends the session, Run closes the stream, waits out
// ReconnectDelay and returns ErrReconnect.
func (c *StreamClient) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	stream := c.stream
	c.ended = false
	c.mu.Unlock()
	select {
	case <-c.reconnect:
	default:
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.session.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.session.RunKeepalive(runCtx)
	}()
	go func() {
		defer wg.Done()
		c.maintain(runCtx)
	}()

	err := stream.Run(runCtx, c.session.Feed)
	cancel()
	wg.Wait()

	c.mu.Lock()
	ended := c.ended && !c.closed
	c.mu.Unlock()
	if ended && err == nil {
		// The session schedules the reconnect; Close would cancel it.
		select {
		case <-c.reconnect:
			err = ErrReconnect
		case <-c.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	c.session.Close()
	c.conn.Close()
	if err != nil && !errors.Is(err, ErrReconnect) {
		return fmt.Errorf("stream client: %w", err)
	}
	return err
}

// Redial connects a new stream with the configuration DialStream was given
// and resets the framing session. Call it between runs.
func (c *StreamClient) Redial(ctx context.Context) error {
	if c.dial == nil {
		return errNotDialed
	}
	stream, err := transport.Dial(ctx, *c.dial)
	if err != nil {
		return err
	}
	return c.attach(stream)
}

// Reattach replaces the stream with rwc and resets the framing session.
// Call it between runs.
func (c *StreamClient) Reattach(rwc io.ReadWriteCloser) error {
	return c.attach(transport.NewStreamTransport(rwc))
}

func (c *StreamClient) attach(stream *transport.StreamTransport) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stream.Close()
		return transport.ErrClosed
	}
	old := c.stream
	c.stream = stream
	c.mu.Unlock()

	old.Close()
	c.session.Reset()
	logrus.WithFields(logrus.Fields{
		"function": "StreamClient.attach",
	}).Info("Attached new stream")
	return nil
}

// Serve calls Run and redials after every session the watch ends. It returns
// when Run ends for any other reason or a redial fails.
func (c *StreamClient) Serve(ctx context.Context) error {
	for {
		err := c.Run(ctx)
		if !errors.Is(err, ErrReconnect) {
			return err
		}
		if err := c.Redial(ctx); err != nil {
			return fmt.Errorf("stream client redial: %w", err)
		}
	}
}

func (c *StreamClient) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.conn.CheckTimeouts()
		}
	}
}

// Stats returns a snapshot of the counters.
func (c *StreamClient) Stats() Stats {
	return Stats{Connection: c.conn.Stats(), Session: c.session.Stats()}
}

// Close stops the client and closes the stream.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	stream := c.stream
	c.mu.Unlock()

	c.session.Close()
	return stream.Close()
}

func (c *StreamClient) write(data []byte) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	return stream.Write(data)
}

func (c *StreamClient) handleChannelData(uuid string, data []byte) {
	c.conn.HandleChannelData(uuid, data)
}

func (c *StreamClient) sessionStarted(mtu int) {
	c.conn.SetMTU(mtu)
	if err := c.conn.Start(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StreamClient.sessionStarted",
			"error":    err.Error(),
		}).Error("Failed to start handshake")
	}
}

// sessionEnded runs on the read loop. Closing the stream ends that loop.
func (c *StreamClient) sessionEnded() {
	c.conn.SessionEnded()

	c.mu.Lock()
	c.ended = true
	stream := c.stream
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StreamClient.sessionEnded",
	}).Warn("Watch ended the session, closing stream")
	stream.Close()
}

func (c *StreamClient) reconnectDue() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

func (c *StreamClient) authFailed(reason auth.FailureReason) {
	logrus.WithFields(logrus.Fields{
		"function": "StreamClient.authFailed",
		"reason":   reason.String(),
	}).Error("Authentication failed, closing stream")
	c.Close()
}
