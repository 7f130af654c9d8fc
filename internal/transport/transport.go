// Package transport abstracts the WebSocket connection the relay engine
// drives: a Transport opens a (Sink, Stream) pair, the engine never touches
// a raw socket. The native implementation is backed by
// github.com/gorilla/websocket; a browser build would instead bridge to the
// platform's WebSocket object (support_ping reports false there).
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameType distinguishes the typed WS frames the engine and transport
// exchange, per spec §4.5.
type FrameType int

const (
	Text FrameType = iota
	Binary
	Ping
	Pong
	Close
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Type FrameType
	Data []byte
}

// Mode selects how the transport reaches the relay.
type Mode int

const (
	Direct Mode = iota
	Proxy
	Tor
)

// ConnectOptions configures a single Connect call.
type ConnectOptions struct {
	Mode      Mode
	ProxyAddr string
	Timeout   time.Duration // default 60s, per spec §6
}

// WriteTimeout bounds every batch write per spec §4.5.
const WriteTimeout = 10 * time.Second

// DefaultConnectTimeout is the default per spec §6.
const DefaultConnectTimeout = 60 * time.Second

// Sink accepts outbound frames.
type Sink interface {
	Send(ctx context.Context, f Frame) error
	Close() error
}

// Stream yields inbound frames.
type Stream interface {
	Recv(ctx context.Context) (Frame, error)
}

// Transport connects to a relay URL and returns its Sink/Stream halves.
type Transport interface {
	Connect(ctx context.Context, rawURL string, opts ConnectOptions) (Sink, Stream, error)
	// SupportsPing reports whether the underlying transport can carry
	// WS ping/pong frames. False in browser environments.
	SupportsPing() bool
}

// WebSocketTransport is the native Transport implementation.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
}

// NewWebSocketTransport returns a Transport using a sane default dialer.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{Dialer: websocket.DefaultDialer}
}

func (t *WebSocketTransport) SupportsPing() bool { return true }

func (t *WebSocketTransport) Connect(ctx context.Context, rawURL string, opts ConnectOptions) (Sink, Stream, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, nil, fmt.Errorf("transport: invalid url: %w", err)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	switch opts.Mode {
	case Proxy:
		d := *dialer
		d.NetDial = (&net.Dialer{}).Dial
		d.Proxy = http.ProxyURL(&url.URL{Host: opts.ProxyAddr})
		dialer = &d
	case Tor:
		d := *dialer
		d.NetDial = (&net.Dialer{}).Dial
		d.Proxy = http.ProxyURL(&url.URL{Scheme: "socks5", Host: opts.ProxyAddr})
		dialer = &d
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := dialer.DialContext(connectCtx, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: connect failed: %w", err)
	}

	wrapped := &wsConn{conn: conn}
	return wrapped, wrapped, nil
}

// wsConn implements both Sink and Stream over a single gorilla connection.
// Writes are serialized: gorilla/websocket connections support at most one
// concurrent writer.
type wsConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	closeErr error
}

func (c *wsConn) Send(ctx context.Context, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	switch f.Type {
	case Text:
		return c.conn.WriteMessage(websocket.TextMessage, f.Data)
	case Binary:
		return c.conn.WriteMessage(websocket.BinaryMessage, f.Data)
	case Ping:
		return c.conn.WriteMessage(websocket.PingMessage, f.Data)
	case Pong:
		return c.conn.WriteMessage(websocket.PongMessage, f.Data)
	case Close:
		return c.conn.WriteMessage(websocket.CloseMessage, f.Data)
	default:
		return fmt.Errorf("transport: unknown frame type %d", f.Type)
	}
}

func (c *wsConn) Recv(ctx context.Context) (Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, fmt.Errorf("transport: read failed: %w", err)
	}
	switch mt {
	case websocket.TextMessage:
		return Frame{Type: Text, Data: data}, nil
	case websocket.BinaryMessage:
		return Frame{Type: Binary, Data: data}, nil
	default:
		return Frame{Type: Binary, Data: data}, nil
	}
}

func (c *wsConn) Close() error {
	c.closeErr = c.conn.Close()
	return c.closeErr
}
