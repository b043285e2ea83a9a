//go:build !tinygo

package adc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the standard baud rate for the XIAO SAMD21.
	DefaultBaudRate = 115200
	// DefaultBufferSize is the default number of readings buffered between the port and Read.
	DefaultBufferSize = 1024
)

// Ensure Serial implements Reader.
var _ Reader = (*Serial)(nil)

// Serial reads conversions from a microcontroller that streams one raw reading per line
// over a serial port, e.g. "2048\n" or "raw:2048\n".
type Serial struct {
	port     string
	baudRate int
	maxRaw   uint16

	open     func() (io.ReadCloser, error)
	conn     io.ReadCloser
	readings chan uint16
	mu       sync.RWMutex
	cancel   context.CancelFunc
	done     chan struct{}

	connected atomic.Bool
	malformed atomic.Uint64
}

// NewSerial creates a reader for the given port. maxRaw bounds accepted readings.
func NewSerial(port string, baudRate int, maxRaw uint16) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	s := &Serial{
		port:     port,
		baudRate: baudRate,
		maxRaw:   maxRaw,
		readings: make(chan uint16, DefaultBufferSize),
	}
	s.open = func() (io.ReadCloser, error) {
		return serial.Open(s.port, &serial.Mode{BaudRate: s.baudRate})
	}
	return s
}

// NewStream reads conversions from an already open stream; used for replay and tests.
func NewStream(r io.ReadCloser, maxRaw uint16) *Serial {
	s := NewSerial("stream", 0, maxRaw)
	s.open = func() (io.ReadCloser, error) { return r, nil }
	return s
}

// Connect opens the port and starts reading lines in the background.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected.Load() {
		return fmt.Errorf("already connected")
	}

	conn, err := s.open()
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel
	s.done = make(chan struct{})
	s.connected.Store(true)

	go s.readLines(ctx, conn, s.done)

	return nil
}

// Close stops the reader and closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected.Load() {
		return nil
	}

	s.cancel()
	err := s.conn.Close()
	<-s.done
	s.conn = nil
	s.connected.Store(false)

	if err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", s.port, err)
	}
	return nil
}

// IsConnected returns whether the port is open.
func (s *Serial) IsConnected() bool {
	return s.connected.Load()
}

// Malformed returns the number of lines that could not be parsed.
func (s *Serial) Malformed() uint64 {
	return s.malformed.Load()
}

// Read returns the oldest unread conversion. It never blocks:
// ErrStale means the converter has not delivered a new reading since the last call.
func (s *Serial) Read() (uint16, error) {
	select {
	case v := <-s.readings:
		return v, nil
	default:
		return 0, ErrStale
	}
}

// readLines parses lines from the port until it is closed or cancelled.
func (s *Serial) readLines(ctx context.Context, r io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		v, err := parseLine(line, s.maxRaw)
		if err != nil {
			s.malformed.Add(1)
			continue
		}

		// Reading is non-blocking: when nobody keeps up the oldest reading goes.
		select {
		case s.readings <- v:
		default:
			select {
			case <-s.readings:
			default:
			}
			select {
			case s.readings <- v:
			default:
			}
		}
	}
}

// parseLine parses "<reading>" or "<label>:<reading>".
func parseLine(line string, maxRaw uint16) (uint16, error) {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		line = line[i+1:]
	}

	v, err := strconv.ParseUint(strings.TrimSpace(line), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid reading: %w", err)
	}
	if v > uint64(maxRaw) {
		return 0, fmt.Errorf("reading out of range: %d (max %d)", v, maxRaw)
	}
	return uint16(v), nil
}
