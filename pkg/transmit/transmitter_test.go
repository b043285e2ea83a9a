package transmit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/audiolink/pkg/sample"
	"github.com/itohio/audiolink/pkg/transport"
)

func ramp(n int) sample.Buffer {
	buf := make(sample.Buffer, n)
	for i := range buf {
		buf[i] = sample.Sample(i - n/2)
	}
	return buf
}

func TestChunks(t *testing.T) {
	tests := []struct {
		n, chunk, want int
	}{
		{256, 20, 13},
		{128, 20, 7},
		{240, 20, 12},
		{20, 20, 1},
		{1, 20, 1},
		{0, 20, 0},
		{10, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Chunks(tt.n, tt.chunk), "Chunks(%d, %d)", tt.n, tt.chunk)
	}
}

func TestDrainAndSend_Chunking(t *testing.T) {
	link := transport.NewLoopback(40, transport.WithCapture())
	tx, err := New(link, Config{ChunkSize: 20})
	require.NoError(t, err)

	buf := ramp(256)
	r := tx.DrainAndSend(context.Background(), buf)

	assert.Equal(t, Sent, r.Outcome)
	assert.Equal(t, 13, r.Packets)
	assert.Zero(t, r.Dropped)

	packets := link.Packets()
	require.Len(t, packets, 13)
	for i, p := range packets[:12] {
		assert.Len(t, p, 20*sample.Width, "packet %d", i)
	}
	assert.Len(t, packets[12], 16*sample.Width, "last packet carries the remainder")

	var got []sample.Sample
	for _, p := range packets {
		got, err = sample.Decode(got, p)
		require.NoError(t, err)
	}
	assert.Equal(t, []sample.Sample(buf), got, "samples arrive in order")

	s := tx.Stats()
	assert.Equal(t, uint64(1), s.Buffers)
	assert.Equal(t, uint64(13), s.Packets)
}

func TestDrainAndSend_EvenlyDivisible(t *testing.T) {
	link := transport.NewLoopback(40, transport.WithCapture())
	tx, err := New(link, Config{ChunkSize: 20})
	require.NoError(t, err)

	r := tx.DrainAndSend(context.Background(), ramp(240))
	assert.Equal(t, 12, r.Packets)
	for _, p := range link.Packets() {
		assert.Len(t, p, 40)
	}
}

func TestNew_ChunkCappedByPayload(t *testing.T) {
	link := transport.NewLoopback(10, transport.WithCapture())
	tx, err := New(link, Config{ChunkSize: 20})
	require.NoError(t, err)
	assert.Equal(t, 5, tx.ChunkSize())

	r := tx.DrainAndSend(context.Background(), ramp(12))
	assert.Equal(t, 3, r.Packets)
}

func TestDrainAndSend_LinkUnavailable(t *testing.T) {
	link := transport.NewLoopback(40, transport.WithCapture())
	link.SetConnected(false)
	tx, err := New(link, Config{ChunkSize: 20, PacingInterval: time.Hour})
	require.NoError(t, err)

	start := time.Now()
	for rep := 0; rep < 10; rep++ {
		r := tx.DrainAndSend(context.Background(), ramp(256))
		assert.Equal(t, LinkUnavailable, r.Outcome)
		assert.Zero(t, r.Packets)
		assert.Equal(t, 256, r.Dropped)
	}
	assert.Less(t, time.Since(start), time.Second, "a down link never waits")
	assert.Zero(t, link.Attempts())

	s := tx.Stats()
	assert.Equal(t, uint64(10), s.LinkUnavailable)
	assert.Equal(t, uint64(2560), s.SamplesDropped)
}

func TestDrainAndSend_TransientFailureRetried(t *testing.T) {
	link := transport.NewLoopback(40, transport.WithCapture())
	tx, err := New(link, Config{ChunkSize: 20, MaxRetries: 3})
	require.NoError(t, err)

	link.FailNext(2)
	r := tx.DrainAndSend(context.Background(), ramp(60))

	assert.Equal(t, Sent, r.Outcome)
	assert.Equal(t, 3, r.Packets)
	assert.Equal(t, 2, r.Retries)
	assert.Equal(t, 5, link.Attempts())
	assert.ErrorIs(t, r.Err, transport.ErrInjected)
}

func TestDrainAndSend_RetriesExhausted(t *testing.T) {
	link := transport.NewLoopback(40, transport.WithCapture())
	tx, err := New(link, Config{ChunkSize: 20, MaxRetries: 2})
	require.NoError(t, err)

	link.FailAlways(true)
	r := tx.DrainAndSend(context.Background(), ramp(100))

	assert.Equal(t, SendFailure, r.Outcome)
	assert.Zero(t, r.Packets)
	assert.Equal(t, 2, r.Retries)
	assert.Equal(t, 100, r.Dropped)
	assert.Equal(t, 3, link.Attempts(), "one attempt plus two retries")

	// The next buffer starts fresh.
	link.FailAlways(false)
	r = tx.DrainAndSend(context.Background(), ramp(100))
	assert.Equal(t, Sent, r.Outcome)
	assert.Equal(t, 5, r.Packets)

	s := tx.Stats()
	assert.Equal(t, uint64(1), s.SendFailures)
	assert.Equal(t, uint64(1), s.Buffers)
}

// flaky succeeds n times, then fails for good.
type flaky struct {
	ok    int
	calls int
}

func (f *flaky) IsConnected() bool { return true }
func (f *flaky) MaxPayload() int   { return 40 }
func (f *flaky) Send([]byte) error {
	f.calls++
	if f.calls > f.ok {
		return errors.New("radio busy")
	}
	return nil
}

func TestDrainAndSend_DropsRemainder(t *testing.T) {
	link := &flaky{ok: 4}
	tx, err := New(link, Config{ChunkSize: 20, MaxRetries: 1})
	require.NoError(t, err)

	r := tx.DrainAndSend(context.Background(), ramp(256))
	assert.Equal(t, SendFailure, r.Outcome)
	assert.Equal(t, 4, r.Packets)
	assert.Equal(t, 256-80, r.Dropped)
	assert.Equal(t, 6, link.calls)
}

func TestDrainAndSend_DisconnectMidBuffer(t *testing.T) {
	link := transport.NewLoopback(40, transport.WithHandler(func([]byte) {}))
	tx, err := New(link, Config{ChunkSize: 20, MaxRetries: 5})
	require.NoError(t, err)

	sent := 0
	wrapped := &hook{Transport: link, after: func() {
		sent++
		if sent == 2 {
			link.SetConnected(false)
		}
	}}
	tx.link = wrapped

	r := tx.DrainAndSend(context.Background(), ramp(100))
	assert.Equal(t, LinkUnavailable, r.Outcome)
	assert.Equal(t, 2, r.Packets)
	assert.Equal(t, 60, r.Dropped)
	assert.Zero(t, r.Retries, "no retries against a down link")
}

type hook struct {
	transport.Transport
	after func()
}

func (h *hook) Send(p []byte) error {
	err := h.Transport.Send(p)
	h.after()
	return err
}

func TestDrainAndSend_Pacing(t *testing.T) {
	link := transport.NewLoopback(40, transport.WithCapture())
	tx, err := New(link, Config{ChunkSize: 20, PacingInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	r := tx.DrainAndSend(context.Background(), ramp(100))
	elapsed := time.Since(start)

	assert.Equal(t, 5, r.Packets)
	// First packet goes immediately, the other four wait one interval each.
	assert.GreaterOrEqual(t, elapsed, 18*time.Millisecond)
}

func TestDrainAndSend_Cancelled(t *testing.T) {
	link := transport.NewLoopback(40, transport.WithCapture())
	tx, err := New(link, Config{ChunkSize: 20, PacingInterval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := tx.DrainAndSend(ctx, ramp(100))
	assert.Equal(t, Cancelled, r.Outcome)
	assert.Equal(t, 100, r.Dropped)
	assert.Equal(t, "cancelled", r.Outcome.String())
}

func TestNew_Invalid(t *testing.T) {
	link := transport.NewLoopback(40)

	_, err := New(nil, Config{ChunkSize: 20})
	assert.Error(t, err)
	_, err = New(link, Config{ChunkSize: 0})
	assert.Error(t, err)
	_, err = New(link, Config{ChunkSize: 20, MaxRetries: -1})
	assert.Error(t, err)
	_, err = New(transport.NewLoopback(1), Config{ChunkSize: 20})
	assert.Error(t, err)
}
