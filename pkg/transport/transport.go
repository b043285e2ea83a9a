// Package transport contains the links conditioned samples leave the pipeline through.
package transport

import "errors"

// ErrNotConnected is returned by Send while the link is down.
var ErrNotConnected = errors.New("link not connected")

// Transport is the capability the transmitter depends on. Send must not retain p.
type Transport interface {
	IsConnected() bool
	Send(p []byte) error
	MaxPayload() int // Bytes per packet
}

// Ensure Loopback implements Transport.
var _ Transport = (*Loopback)(nil)
