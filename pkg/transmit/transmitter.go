// Package transmit drains sample buffers onto a link in paced, payload-sized packets.
package transmit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/itohio/audiolink/pkg/sample"
	"github.com/itohio/audiolink/pkg/transport"
)

// Outcome classifies how a buffer left the transmitter.
type Outcome int

const (
	// Sent means every chunk of the buffer was delivered.
	Sent Outcome = iota
	// LinkUnavailable means the buffer, or its remainder, was skipped because the link is down.
	LinkUnavailable
	// SendFailure means a chunk kept failing and the remainder was dropped.
	SendFailure
	// Cancelled means shutdown was requested while waiting for a pacing slot.
	Cancelled
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case LinkUnavailable:
		return "link-unavailable"
	case SendFailure:
		return "send-failure"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Report describes one DrainAndSend call.
type Report struct {
	Outcome Outcome
	Packets int   // Packets delivered
	Retries int   // Extra attempts spent on failing chunks
	Dropped int   // Samples that were not delivered
	Err     error // Last send error, if any
}

// Config holds the transmitter parameters.
type Config struct {
	ChunkSize      int           // Samples per packet, further capped by the link payload
	PacingInterval time.Duration // Minimum spacing between packet sends
	MaxRetries     int           // Extra attempts per chunk
}

// Stats is a snapshot of the transmitter counters.
type Stats struct {
	Buffers         uint64 // Buffers fully delivered
	Packets         uint64
	Retries         uint64
	LinkUnavailable uint64 // Buffers skipped or cut short by a down link
	SendFailures    uint64 // Buffers cut short by exhausted retries
	SamplesDropped  uint64
}

// Transmitter splits buffers into chunks and sends them over a Transport.
// DrainAndSend is called from a single goroutine; Stats may be read from any.
type Transmitter struct {
	link       transport.Transport
	chunk      int
	maxRetries int
	limiter    *rate.Limiter
	payload    []byte // Reused encoding buffer, one packet long

	buffers         atomic.Uint64
	packets         atomic.Uint64
	retries         atomic.Uint64
	linkUnavailable atomic.Uint64
	sendFailures    atomic.Uint64
	samplesDropped  atomic.Uint64
}

// New creates a transmitter for link.
func New(link transport.Transport, cfg Config) (*Transmitter, error) {
	if link == nil {
		return nil, errors.New("nil transport")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", cfg.MaxRetries)
	}

	chunk := min(cfg.ChunkSize, link.MaxPayload()/sample.Width)
	if chunk <= 0 {
		return nil, fmt.Errorf("link payload of %d bytes cannot carry one sample", link.MaxPayload())
	}

	limit := rate.Inf
	if cfg.PacingInterval > 0 {
		limit = rate.Every(cfg.PacingInterval)
	}

	return &Transmitter{
		link:       link,
		chunk:      chunk,
		maxRetries: cfg.MaxRetries,
		limiter:    rate.NewLimiter(limit, 1),
		payload:    make([]byte, chunk*sample.Width),
	}, nil
}

// ChunkSize returns the effective samples per packet.
func (t *Transmitter) ChunkSize() int {
	return t.chunk
}

// Chunks returns how many packets a buffer of n samples needs: ceil(n/chunk).
func Chunks(n, chunk int) int {
	if n <= 0 || chunk <= 0 {
		return 0
	}
	return (n + chunk - 1) / chunk
}

// DrainAndSend sends buf as consecutive packets. A down link skips the buffer
// without waiting; a chunk that keeps failing is retried MaxRetries times and
// then the rest of the buffer is dropped. Waiting is limited to one pacing
// interval per attempt.
func (t *Transmitter) DrainAndSend(ctx context.Context, buf sample.Buffer) Report {
	var r Report

	if !t.link.IsConnected() {
		return t.finish(r, LinkUnavailable, len(buf))
	}

	for off := 0; off < len(buf); off += t.chunk {
		end := min(off+t.chunk, len(buf))
		packet := sample.Encode(t.payload, buf[off:end])

		for attempt := 0; ; attempt++ {
			if err := t.limiter.Wait(ctx); err != nil {
				return t.finish(r, Cancelled, len(buf)-off)
			}

			err := t.link.Send(packet)
			if err == nil {
				r.Packets++
				t.packets.Add(1)
				break
			}
			r.Err = err

			if !t.link.IsConnected() || errors.Is(err, transport.ErrNotConnected) {
				return t.finish(r, LinkUnavailable, len(buf)-off)
			}
			if attempt >= t.maxRetries {
				return t.finish(r, SendFailure, len(buf)-off)
			}
			r.Retries++
			t.retries.Add(1)
		}
	}

	return t.finish(r, Sent, 0)
}

func (t *Transmitter) finish(r Report, outcome Outcome, dropped int) Report {
	r.Outcome = outcome
	r.Dropped = dropped
	t.samplesDropped.Add(uint64(dropped))

	switch outcome {
	case Sent:
		t.buffers.Add(1)
	case LinkUnavailable:
		t.linkUnavailable.Add(1)
	case SendFailure:
		t.sendFailures.Add(1)
	}
	return r
}

// Stats returns a snapshot of the counters.
func (t *Transmitter) Stats() Stats {
	return Stats{
		Buffers:         t.buffers.Load(),
		Packets:         t.packets.Load(),
		Retries:         t.retries.Load(),
		LinkUnavailable: t.linkUnavailable.Load(),
		SendFailures:    t.sendFailures.Load(),
		SamplesDropped:  t.samplesDropped.Load(),
	}
}
