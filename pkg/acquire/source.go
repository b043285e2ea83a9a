// Package acquire turns raw converter readings into bias-corrected samples.
package acquire

import (
	"fmt"

	"github.com/itohio/audiolink/pkg/adc"
	"github.com/itohio/audiolink/pkg/sample"
)

// Source reads one conversion per call and removes the DC bias measured over
// the previous buffer. It is owned by the sampling goroutine and is not safe
// for concurrent use.
type Source struct {
	reader     adc.Reader
	maxRaw     uint16
	bufferSize int

	bias      int64 // Mean of the previous buffer's raw values
	sum       int64 // Running sum for the next bias
	count     int   // Samples accumulated into sum
	lastValid uint16

	faults uint64
}

// Config holds the parameters of a Source.
type Config struct {
	BufferSize  int    // Samples per bias period
	MaxRaw      uint16 // Largest valid reading
	InitialBias uint16 // Bias applied before the first period completes
}

// New creates a source reading from r.
func New(r adc.Reader, cfg Config) (*Source, error) {
	if r == nil {
		return nil, fmt.Errorf("nil ADC reader")
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", cfg.BufferSize)
	}
	if cfg.InitialBias > cfg.MaxRaw {
		return nil, fmt.Errorf("initial bias %d above max reading %d", cfg.InitialBias, cfg.MaxRaw)
	}

	return &Source{
		reader:     r,
		maxRaw:     cfg.MaxRaw,
		bufferSize: cfg.BufferSize,
		bias:       int64(cfg.InitialBias),
		lastValid:  cfg.InitialBias,
	}, nil
}

// Produce performs one acquisition. A failed or out-of-range conversion is
// replaced by the last valid reading and counted; it never stops sampling.
func (s *Source) Produce() sample.Sample {
	raw, err := s.reader.Read()
	if err != nil || raw > s.maxRaw {
		s.faults++
		raw = s.lastValid
	} else {
		s.lastValid = raw
	}

	out := sample.Saturate(int64(raw) - s.bias)

	s.sum += int64(raw)
	s.count++
	if s.count == s.bufferSize {
		s.bias = s.sum / int64(s.bufferSize)
		s.sum = 0
		s.count = 0
	}

	return out
}

// Fill produces len(buf) consecutive samples into buf.
func (s *Source) Fill(buf sample.Buffer) {
	for i := range buf {
		buf[i] = s.Produce()
	}
}

// Bias returns the current DC bias estimate in raw counts.
func (s *Source) Bias() int64 {
	return s.bias
}

// Faults returns the number of acquisition faults recovered so far.
func (s *Source) Faults() uint64 {
	return s.faults
}
