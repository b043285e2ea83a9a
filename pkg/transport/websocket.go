//go:build !tinygo

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultWebSocketPayload mirrors the largest BLE ATT MTU.
	DefaultWebSocketPayload = 517
	// DefaultWriteTimeout bounds one packet write.
	DefaultWriteTimeout = 50 * time.Millisecond
	// DefaultRedialInterval is the pause between connection attempts.
	DefaultRedialInterval = 500 * time.Millisecond
)

// Ensure WebSocket implements Transport.
var _ Transport = (*WebSocket)(nil)

// WebSocket sends every packet as one binary message. Run keeps the
// connection up; Send never waits for a connection.
type WebSocket struct {
	url            string
	dialer         websocket.Dialer
	maxPayload     int
	writeTimeout   time.Duration
	redialInterval time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocket creates a websocket transport for url. Zero values select defaults.
func NewWebSocket(url string, handshakeTimeout time.Duration, maxPayload int) *WebSocket {
	if maxPayload == 0 {
		maxPayload = DefaultWebSocketPayload
	}
	return &WebSocket{
		url: url,
		dialer: websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		maxPayload:     maxPayload,
		writeTimeout:   DefaultWriteTimeout,
		redialInterval: DefaultRedialInterval,
	}
}

// Run dials, watches and re-dials the connection until ctx is done.
func (w *WebSocket) Run(ctx context.Context) error {
	for {
		conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
		if err == nil {
			w.setConn(conn)
			w.drain(ctx, conn)
			w.setConn(nil)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.redialInterval):
		}
	}
}

// drain reads until the peer goes away so control frames are processed.
func (w *WebSocket) drain(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(w.writeTimeout))
		_ = conn.Close()
	})
	defer stop()

	for {
		if _, _, err := conn.NextReader(); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func (w *WebSocket) setConn(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = conn
}

// IsConnected returns whether a connection is established.
func (w *WebSocket) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// MaxPayload returns the message size limit in bytes.
func (w *WebSocket) MaxPayload() int {
	return w.maxPayload
}

// Send writes p as one binary message. A failed write tears the connection
// down; Run re-dials it.
func (w *WebSocket) Send(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return ErrNotConnected
	}
	if len(p) > w.maxPayload {
		return fmt.Errorf("packet of %d bytes exceeds payload limit %d", len(p), w.maxPayload)
	}

	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		_ = w.conn.Close()
		w.conn = nil
		return fmt.Errorf("failed to send packet: %w", err)
	}
	return nil
}
