package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// DefaultWriteTimeout bounds a single frame write on a net.Conn.
const DefaultWriteTimeout = 5 * time.Second

// readBufferSize is the size of each read from the stream.
const readBufferSize = 4096

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("stream transport closed")

// StreamTransport carries frames over a byte stream such as an RFCOMM socket
// or a TCP connection used by a watch emulator.
type StreamTransport struct {
	conn      io.ReadWriteCloser
	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport wraps an established stream.
func NewStreamTransport(conn io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{conn: conn}
}

// DialConfig describes how to reach a stream endpoint.
type DialConfig struct {
	Address string
	// ProxyAddress, if set, routes the connection through a SOCKS5 proxy.
	ProxyAddress  string
	ProxyUser     string
	ProxyPassword string
	Timeout       time.Duration
}

// Dial connects to a stream endpoint over TCP.
func Dial(ctx context.Context, cfg DialConfig) (*StreamTransport, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"address":  cfg.Address,
		"proxy":    cfg.ProxyAddress,
	}).Info("Dialing stream endpoint")

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var dialer proxy.ContextDialer = &net.Dialer{}
	if cfg.ProxyAddress != "" {
		var auth *proxy.Auth
		if cfg.ProxyUser != "" || cfg.ProxyPassword != "" {
			auth = &proxy.Auth{User: cfg.ProxyUser, Password: cfg.ProxyPassword}
		}
		d, err := proxy.SOCKS5("tcp", cfg.ProxyAddress, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		dialer = cd
	}

	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dial",
			"address":  cfg.Address,
			"error":    err.Error(),
		}).Error("Dial failed")
		return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}
	return NewStreamTransport(conn), nil
}

// Write sends one serialized frame. Concurrent writes are serialized.
func (t *StreamTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	if c, ok := t.conn.(net.Conn); ok {
		if err := c.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
			return err
		}
	}
	_, err := t.conn.Write(data)
	return err
}

// Run reads from the stream and passes every chunk of bytes to feed until
// the stream ends, ctx is done, or Close is called. A clean end of stream
// returns nil.
func (t *StreamTransport) Run(ctx context.Context, feed func([]byte)) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			feed(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || t.closed.Load() {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "StreamTransport.Run",
				"error":    err.Error(),
			}).Warn("Stream read failed")
			return err
		}
	}
}

// Close closes the stream. It is safe to call more than once.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
