//go:build !tinygo

package adc

import (
	"sync"

	"github.com/chewxy/math32"

	"github.com/itohio/audiolink/pkg/config"
)

// Ensure Mock implements Reader.
var _ Reader = (*Mock)(nil)

// Mock simulates a microphone front end: a test tone plus deterministic noise
// riding on a mid-scale bias, with optional injected conversion failures.
type Mock struct {
	cfg        config.MockADCConfig
	sampleRate float32
	maxRaw     float32
	bias       float32

	mu    sync.Mutex
	reads int
	phase float32
}

// NewMock creates a simulated converter with the given resolution and sample rate.
func NewMock(cfg *config.MockADCConfig, sampleRate int, resolution int) *Mock {
	if cfg == nil {
		cfg = &config.MockADCConfig{
			ToneHz:    440,
			Amplitude: 800,
			Noise:     20,
		}
	}
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	maxRaw := float32(int(1)<<resolution - 1)

	return &Mock{
		cfg:        *cfg,
		sampleRate: float32(sampleRate),
		maxRaw:     maxRaw,
		bias:       (maxRaw + 1) / 2,
	}
}

// Read returns the next simulated conversion.
func (m *Mock) Read() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	if m.cfg.FaultEvery > 0 && m.reads%m.cfg.FaultEvery == 0 {
		return 0, ErrReadFailed
	}

	m.phase += 2 * math32.Pi * float32(m.cfg.ToneHz) / m.sampleRate
	if m.phase > 2*math32.Pi {
		m.phase -= 2 * math32.Pi
	}

	// Two incommensurate sines stand in for broadband noise and stay reproducible.
	t := float32(m.reads)
	noise := (math32.Sin(t*1.618) + math32.Cos(t*2.718)) * float32(m.cfg.Noise) * 0.5

	v := m.bias + float32(m.cfg.Amplitude)*math32.Sin(m.phase) + noise
	if v < 0 {
		v = 0
	} else if v > m.maxRaw {
		v = m.maxRaw
	}
	return uint16(v + 0.5), nil
}

// Reads returns the number of conversions requested so far.
func (m *Mock) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}
