// Package filter conditions samples with a causal finite-impulse-response filter.
package filter

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/itohio/audiolink/pkg/sample"
)

// ErrNoTaps is returned for an empty coefficient vector.
var ErrNoTaps = errors.New("FIR filter needs at least one tap")

// FIR is a direct-form FIR filter over a ring-indexed history of the last
// len(coeffs) inputs. Coefficients are fixed at construction.
// FIR is owned by a single goroutine and is not safe for concurrent use.
type FIR struct {
	coeffs  []float64
	history []float64
	newest  int // Index of the most recent input in history
}

// New creates a filter with a private copy of coeffs and a zeroed history.
func New(coeffs []float64) (*FIR, error) {
	if len(coeffs) == 0 {
		return nil, ErrNoTaps
	}

	c := make([]float64, len(coeffs))
	copy(c, coeffs)

	return &FIR{
		coeffs:  c,
		history: make([]float64, len(c)),
		newest:  len(c) - 1,
	}, nil
}

// Filter shifts x into the window and returns Σ window[i]*coeff[i], where
// window[0] is x itself. The sum is rounded half away from zero and saturated.
func (f *FIR) Filter(x sample.Sample) sample.Sample {
	n := len(f.history)
	f.newest++
	if f.newest == n {
		f.newest = 0
	}
	f.history[f.newest] = float64(x)

	// Walk back from the newest input without a modulo per tap.
	var acc float64
	i := 0
	for j := f.newest; j >= 0; j-- {
		acc += f.history[j] * f.coeffs[i]
		i++
	}
	for j := n - 1; j > f.newest; j-- {
		acc += f.history[j] * f.coeffs[i]
		i++
	}

	return narrow(acc)
}

// Process filters buf in place.
func (f *FIR) Process(buf sample.Buffer) {
	for i, x := range buf {
		buf[i] = f.Filter(x)
	}
}

// Reset clears the history.
func (f *FIR) Reset() {
	clear(f.history)
	f.newest = len(f.history) - 1
}

// Taps returns the number of coefficients.
func (f *FIR) Taps() int {
	return len(f.coeffs)
}

// Gain returns the DC gain, the sum of the coefficients.
func (f *FIR) Gain() float64 {
	return floats.Sum(f.coeffs)
}

// narrow rounds and saturates a wide accumulator into a Sample.
func narrow(acc float64) sample.Sample {
	r := math.Round(acc)
	if r >= math.MaxInt16 {
		return math.MaxInt16
	}
	if r <= math.MinInt16 {
		return math.MinInt16
	}
	if math.IsNaN(r) {
		return 0
	}
	return sample.Sample(r)
}
