// Package pipeline runs the sampler, filter and transmitter stages concurrently
// and tracks the health of the stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itohio/audiolink/pkg/acquire"
	"github.com/itohio/audiolink/pkg/adc"
	"github.com/itohio/audiolink/pkg/config"
	"github.com/itohio/audiolink/pkg/filter"
	"github.com/itohio/audiolink/pkg/metrics"
	"github.com/itohio/audiolink/pkg/sample"
	"github.com/itohio/audiolink/pkg/stage"
	"github.com/itohio/audiolink/pkg/transmit"
	"github.com/itohio/audiolink/pkg/transport"
)

// ErrAlreadyStarted is returned by Run on a pipeline that has already run.
var ErrAlreadyStarted = errors.New("pipeline already started")

// State of the pipeline.
type State int32

const (
	Uninitialized State = iota
	Running
	Degraded
	Stopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	State             State
	BuffersProduced   uint64 // Buffers completed by the sampler
	BuffersFiltered   uint64
	PoolDrops         uint64 // Buffers sampled into scratch because the pool was empty
	RawDrops          uint64 // Drops on the sampler to filter channel
	FilteredDrops     uint64 // Drops on the filter to transmitter channel
	AcquisitionFaults uint64
	Overruns          uint64 // Sampler ticks missed
	RawQueued         int
	FilteredQueued    int
	Transmit          transmit.Stats
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics publishes counters to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline owns the buffers, both stage channels and the three stage workers.
type Pipeline struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	link          transport.Transport
	samplePeriod  time.Duration
	statsInterval time.Duration

	pool     *sample.Pool
	scratch  sample.Buffer // Sampler target while the pool is empty
	raw      *stage.Channel[sample.Buffer]
	filtered *stage.Channel[sample.Buffer]
	source   *acquire.Source
	fir      *filter.FIR
	tx       *transmit.Transmitter

	state  atomic.Int32
	events atomic.Uint64 // Degrading events so far

	produced  atomic.Uint64
	filterCnt atomic.Uint64
	poolDrops atomic.Uint64
	acqFaults atomic.Uint64
	overruns  atomic.Uint64
}

// New validates cfg and builds every stage. Invalid configuration is the only
// fatal error; nothing is started until Run.
func New(cfg *config.Config, reader adc.Reader, link transport.Transport, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if link == nil {
		return nil, errors.New("nil transport")
	}

	p := &Pipeline{
		log:           zap.NewNop(),
		link:          link,
		samplePeriod:  cfg.SamplePeriod(),
		statsInterval: cfg.Pipeline.StatsInterval,
	}
	for _, opt := range opts {
		opt(p)
	}

	policy, err := stage.ParsePolicy(cfg.Pipeline.DropPolicy)
	if err != nil {
		return nil, err
	}

	size := cfg.Pipeline.BufferSize
	capacity := cfg.Pipeline.ChannelCapacity

	// Every channel slot, one buffer in each stage and one spare.
	if p.pool, err = sample.NewPool(2*capacity+3, size); err != nil {
		return nil, err
	}
	p.scratch = make(sample.Buffer, size)

	if p.raw, err = stage.New[sample.Buffer](capacity, policy); err != nil {
		return nil, err
	}
	if p.filtered, err = stage.New[sample.Buffer](capacity, policy); err != nil {
		return nil, err
	}

	p.source, err = acquire.New(reader, acquire.Config{
		BufferSize:  size,
		MaxRaw:      uint16(cfg.MaxRaw()),
		InitialBias: uint16(cfg.Acquisition.InitialBias),
	})
	if err != nil {
		return nil, err
	}

	if p.fir, err = filter.New(cfg.Filter.Coefficients); err != nil {
		return nil, err
	}

	p.tx, err = transmit.New(link, transmit.Config{
		ChunkSize:      cfg.Pipeline.ChunkSize,
		PacingInterval: cfg.Transmit.PacingInterval,
		MaxRetries:     cfg.Transmit.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	p.log.Debug("pipeline created",
		zap.Int("sample_rate", cfg.Pipeline.SampleRate),
		zap.Int("buffer_size", size),
		zap.Int("chunk_size", p.tx.ChunkSize()),
		zap.Int("capacity", capacity),
		zap.Stringer("policy", policy),
		zap.Int("taps", p.fir.Taps()),
	)
	return p, nil
}

// Run starts the stages and blocks until ctx is cancelled or a stage fails.
// Cancellation is a clean shutdown and returns nil. A link that needs its own
// connection loop, such as transport.WebSocket, is run alongside the stages.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(Uninitialized), int32(Running)) {
		return ErrAlreadyStarted
	}
	p.publishState(Running)
	p.log.Info("pipeline running")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.sampler(ctx) })
	g.Go(func() error { return OnReady(ctx, p.raw, p.filterBuffer) })
	g.Go(func() error {
		return OnReady(ctx, p.filtered, func(buf sample.Buffer) { p.transmitBuffer(ctx, buf) })
	})
	if r, ok := p.link.(interface{ Run(context.Context) error }); ok {
		g.Go(func() error {
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("link: %w", err)
			}
			return nil
		})
	}
	if p.statsInterval > 0 {
		g.Go(func() error { return Every(ctx, p.statsInterval, p.logStats, nil) })
	}

	err := g.Wait()

	p.state.Store(int32(Stopped))
	p.publishState(Stopped)
	s := p.Stats()
	p.log.Info("pipeline stopped",
		zap.Uint64("buffers_produced", s.BuffersProduced),
		zap.Uint64("buffers_sent", s.Transmit.Buffers),
		zap.Uint64("drops", s.PoolDrops+s.RawDrops+s.FilteredDrops),
		zap.Error(err),
	)
	return err
}

// sampler fills one buffer per BufferSize ticks and hands it to the filter.
func (p *Pipeline) sampler(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var (
		cur    sample.Buffer
		n      int
		pooled bool
		faults uint64
	)

	tick := func() {
		if n == 0 {
			cur, pooled = p.pool.Get()
			if !pooled {
				cur = p.scratch
			}
		}

		cur[n] = p.source.Produce()
		n++
		if n < len(cur) {
			return
		}
		n = 0
		p.produced.Add(1)

		if f := p.source.Faults(); f != faults {
			delta := f - faults
			faults = f
			p.acqFaults.Add(delta)
			if p.metrics != nil {
				p.metrics.AcquisitionFaults.Add(float64(delta))
			}
			p.degrade("acquisition fault", zap.Uint64("faults", delta))
		}

		if !pooled {
			p.poolDrops.Add(1)
			p.countDrop(metrics.ChannelPool)
			return
		}
		p.publish(p.raw, metrics.ChannelRaw, cur)
	}

	overrun := func(missed int) {
		p.overruns.Add(uint64(missed))
		if p.metrics != nil {
			p.metrics.SampleOverruns.Add(float64(missed))
		}
	}

	return Every(ctx, p.samplePeriod, tick, overrun)
}

func (p *Pipeline) filterBuffer(buf sample.Buffer) {
	p.fir.Process(buf)
	p.filterCnt.Add(1)
	p.publish(p.filtered, metrics.ChannelFiltered, buf)
}

func (p *Pipeline) transmitBuffer(ctx context.Context, buf sample.Buffer) {
	seen := p.events.Load()
	r := p.tx.DrainAndSend(ctx, buf)
	p.pool.Put(buf)

	if p.metrics != nil {
		p.metrics.PacketsSent.Add(float64(r.Packets))
		p.metrics.SendRetries.Add(float64(r.Retries))
	}

	switch r.Outcome {
	case transmit.Sent:
		if p.metrics != nil {
			p.metrics.BuffersSent.Inc()
		}
		if p.events.Load() == seen {
			p.restore()
		}
	case transmit.LinkUnavailable:
		if p.metrics != nil {
			p.metrics.LinkUnavailable.Inc()
		}
		p.degrade("link unavailable", zap.Int("dropped_samples", r.Dropped))
	case transmit.SendFailure:
		if p.metrics != nil {
			p.metrics.SendFailures.Inc()
		}
		p.degrade("send failure",
			zap.Int("packets", r.Packets),
			zap.Int("dropped_samples", r.Dropped),
			zap.Error(r.Err),
		)
	case transmit.Cancelled:
	}
}

// publish hands buf downstream. A buffer that loses to the drop policy goes
// back to the pool.
func (p *Pipeline) publish(ch *stage.Channel[sample.Buffer], label string, buf sample.Buffer) {
	_, victim, dropped := ch.TrySend(buf)
	if !dropped {
		return
	}
	p.pool.Put(victim)
	p.countDrop(label)
}

func (p *Pipeline) countDrop(label string) {
	if p.metrics != nil {
		p.metrics.Drops.WithLabelValues(label).Inc()
	}
	p.degrade("buffer dropped", zap.String("channel", label))
}

// degrade records a fault and moves Running to Degraded.
func (p *Pipeline) degrade(reason string, fields ...zap.Field) {
	p.events.Add(1)
	if p.state.CompareAndSwap(int32(Running), int32(Degraded)) {
		p.publishState(Degraded)
		p.log.Warn("pipeline degraded", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
		return
	}
	p.log.Debug(reason, fields...)
}

func (p *Pipeline) restore() {
	if p.state.CompareAndSwap(int32(Degraded), int32(Running)) {
		p.publishState(Running)
		p.log.Info("pipeline recovered")
	}
}

func (p *Pipeline) publishState(s State) {
	if p.metrics != nil {
		p.metrics.State.Set(float64(s))
	}
}

func (p *Pipeline) logStats() {
	s := p.Stats()
	if p.metrics != nil {
		p.metrics.Occupancy.WithLabelValues(metrics.ChannelRaw).Set(float64(s.RawQueued))
		p.metrics.Occupancy.WithLabelValues(metrics.ChannelFiltered).Set(float64(s.FilteredQueued))
	}
	p.log.Info("pipeline stats",
		zap.Stringer("state", s.State),
		zap.Uint64("produced", s.BuffersProduced),
		zap.Uint64("filtered", s.BuffersFiltered),
		zap.Uint64("sent", s.Transmit.Buffers),
		zap.Uint64("packets", s.Transmit.Packets),
		zap.Uint64("pool_drops", s.PoolDrops),
		zap.Uint64("raw_drops", s.RawDrops),
		zap.Uint64("filtered_drops", s.FilteredDrops),
		zap.Uint64("acquisition_faults", s.AcquisitionFaults),
		zap.Uint64("overruns", s.Overruns),
		zap.Uint64("link_unavailable", s.Transmit.LinkUnavailable),
		zap.Uint64("send_failures", s.Transmit.SendFailures),
	)
}

// State returns the current state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of the counters. Safe to call from any goroutine.
func (p *Pipeline) Stats() Stats {
	return Stats{
		State:             p.State(),
		BuffersProduced:   p.produced.Load(),
		BuffersFiltered:   p.filterCnt.Load(),
		PoolDrops:         p.poolDrops.Load(),
		RawDrops:          p.raw.Drops(),
		FilteredDrops:     p.filtered.Drops(),
		AcquisitionFaults: p.acqFaults.Load(),
		Overruns:          p.overruns.Load(),
		RawQueued:         p.raw.Len(),
		FilteredQueued:    p.filtered.Len(),
		Transmit:          p.tx.Stats(),
	}
}
