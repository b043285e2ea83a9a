package transport

import (
	"errors"
	"sync"
)

// ErrInjected is the failure returned by Loopback when a fault is injected.
var ErrInjected = errors.New("injected send failure")

// Loopback is an in-memory link. It hands every packet to a handler and can
// simulate a disconnected peer or transient send failures.
type Loopback struct {
	maxPayload int
	handler    func(p []byte)

	mu        sync.Mutex
	connected bool
	failNext  int
	failAll   bool
	packets   [][]byte
	keep      bool
	attempts  int
}

// LoopbackOption configures a Loopback.
type LoopbackOption func(*Loopback)

// WithHandler delivers a copy of every packet to fn.
func WithHandler(fn func(p []byte)) LoopbackOption {
	return func(l *Loopback) {
		l.handler = fn
	}
}

// WithCapture keeps a copy of every packet for Packets.
func WithCapture() LoopbackOption {
	return func(l *Loopback) {
		l.keep = true
	}
}

// NewLoopback creates a connected loopback link.
func NewLoopback(maxPayload int, opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		maxPayload: maxPayload,
		connected:  true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetConnected simulates the peer connecting or going away.
func (l *Loopback) SetConnected(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = connected
}

// FailNext makes the next n sends fail.
func (l *Loopback) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
}

// FailAlways makes every send fail until cleared.
func (l *Loopback) FailAlways(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failAll = fail
}

// IsConnected reports the simulated link state.
func (l *Loopback) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// MaxPayload returns the packet size limit in bytes.
func (l *Loopback) MaxPayload() int {
	return l.maxPayload
}

// Send delivers p unless the link is down or a fault is pending.
func (l *Loopback) Send(p []byte) error {
	l.mu.Lock()
	l.attempts++
	switch {
	case !l.connected:
		l.mu.Unlock()
		return ErrNotConnected
	case l.failAll:
		l.mu.Unlock()
		return ErrInjected
	case l.failNext > 0:
		l.failNext--
		l.mu.Unlock()
		return ErrInjected
	}

	var cp []byte
	if l.keep || l.handler != nil {
		cp = make([]byte, len(p))
		copy(cp, p)
	}
	if l.keep {
		l.packets = append(l.packets, cp)
	}
	handler := l.handler
	l.mu.Unlock()

	if handler != nil {
		handler(cp)
	}
	return nil
}

// Packets returns the captured packets.
func (l *Loopback) Packets() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([][]byte, len(l.packets))
	copy(result, l.packets)
	return result
}

// Attempts returns the number of Send calls, failed ones included.
func (l *Loopback) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}
