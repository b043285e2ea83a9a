//go:build !tinygo

package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the standard baud rate of HC-05 style SPP modules.
	DefaultBaudRate = 115200
	// DefaultSerialPayload is the default write size in bytes.
	DefaultSerialPayload = 40
)

// Ensure Serial implements Transport.
var _ Transport = (*Serial)(nil)

// Serial streams packets over a serial port. A Bluetooth SPP link bound to
// /dev/rfcommN or a COM port looks exactly like this to the host.
type Serial struct {
	port       string
	baudRate   int
	maxPayload int

	open    func() (io.WriteCloser, error)
	onError func(error)
	conn    io.WriteCloser
	mu      sync.RWMutex
}

// NewSerial creates a serial transport. Zero values select defaults.
func NewSerial(port string, baudRate, maxPayload int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if maxPayload == 0 {
		maxPayload = DefaultSerialPayload
	}

	s := &Serial{
		port:       port,
		baudRate:   baudRate,
		maxPayload: maxPayload,
	}
	s.open = func() (io.WriteCloser, error) {
		return serial.Open(s.port, &serial.Mode{BaudRate: s.baudRate})
	}
	return s
}

// NewStream wraps an already open writer; used by tests and pipes.
func NewStream(w io.WriteCloser, maxPayload int) *Serial {
	s := NewSerial("stream", 0, maxPayload)
	s.open = func() (io.WriteCloser, error) { return w, nil }
	return s
}

// Connect opens the port.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("already connected")
	}

	conn, err := s.open()
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}
	s.conn = conn
	return nil
}

// OnRedialError sets fn to receive the first failure of every run of failed
// reopen attempts in Run. Set it before Run starts.
func (s *Serial) OnRedialError(fn func(error)) {
	s.onError = fn
}

// Run keeps the port open, reopening it every DefaultRedialInterval while it
// is closed, and closes it when ctx is done.
func (s *Serial) Run(ctx context.Context) error {
	ticker := time.NewTicker(DefaultRedialInterval)
	defer ticker.Stop()

	failing := false
	for {
		if !s.IsConnected() {
			err := s.Connect()
			if err != nil && !failing && s.onError != nil {
				s.onError(err)
			}
			failing = err != nil
		}

		select {
		case <-ctx.Done():
			_ = s.Close()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", s.port, err)
	}
	return nil
}

// IsConnected returns whether the port is open.
func (s *Serial) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// MaxPayload returns the write size limit in bytes.
func (s *Serial) MaxPayload() int {
	return s.maxPayload
}

// Send writes p to the port. A failed write closes the port so the link
// reports itself down until Run reopens it.
func (s *Serial) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	if len(p) > s.maxPayload {
		return fmt.Errorf("packet of %d bytes exceeds payload limit %d", len(p), s.maxPayload)
	}

	if _, err := s.conn.Write(p); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return fmt.Errorf("failed to write to serial port %s: %w", s.port, err)
	}
	return nil
}

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports, including Bluetooth SPP bindings.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{
			Name:        name,
			Description: name,
		})
	}
	return result, nil
}
