// Package analyzer is the client side of the analyzer's stream websocket.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"callshield/protocol"
)

const (
	DefaultURL              = "ws://localhost:8001/ws/stream"
	DefaultHandshakeTimeout = 10 * time.Second

	writeTimeout = 10 * time.Second
	closeTimeout = time.Second
)

var (
	// ErrNotOpen is returned for sends on a stream that is closing or closed.
	ErrNotOpen      = errors.New("analyzer: stream not open")
	ErrUnauthorized = errors.New("analyzer: unauthorized")
)

type Config struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
}

func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("analyzer url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("analyzer url %q: scheme must be ws or wss", c.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("analyzer url %q: missing host", c.URL)
	}
	return nil
}

// Conn is one open analysis stream. Sends may come from one goroutine while
// another blocks in Recv.
type Conn interface {
	SendChunk(wav []byte) error
	EndStream() error
	// Recv returns the next decoded event. A *protocol.DecodeError means the
	// frame was unusable but the stream is still open; any other error ends it.
	Recv() (protocol.Message, error)
	Close() error
}

type DialFunc func(ctx context.Context) (Conn, error)

// Dialer returns a DialFunc bound to cfg.
func Dialer(cfg Config) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		return Dial(ctx, cfg)
	}
}

// Dial opens a stream. A completed handshake counts as the open
// acknowledgement; the analyzer's "connected" event is informational.
func Dial(ctx context.Context, cfg Config) (Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	headers := http.Header{}
	if cfg.APIKey != "" {
		headers.Set("X-API-Key", cfg.APIKey)
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
			}
			return nil, fmt.Errorf("analyzer dial: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("analyzer dial: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) write(kind int, data []byte) error {
	if c.closed.Load() {
		return ErrNotOpen
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrNotOpen
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(kind, data)
}

func (c *wsConn) SendChunk(wav []byte) error {
	return c.write(websocket.BinaryMessage, wav)
}

func (c *wsConn) EndStream() error {
	return c.write(websocket.TextMessage, protocol.EndStream())
}

func (c *wsConn) Recv() (protocol.Message, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return nil, ErrNotOpen
			}
			return nil, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return protocol.Decode(data)
	}
}

// Close sends a normal close frame and tears the socket down. Safe to call
// more than once and concurrently with Recv.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		// WriteControl may run concurrently with a blocked data write.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
