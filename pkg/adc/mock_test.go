package adc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/audiolink/pkg/config"
)

func TestMock_StaysInRange(t *testing.T) {
	m := NewMock(&config.MockADCConfig{ToneHz: 1000, Amplitude: 5000, Noise: 100}, 8000, 12)

	var lo, hi uint16 = 4095, 0
	for rep := 0; rep < 1000; rep++ {
		v, err := m.Read()
		require.NoError(t, err)
		lo = min(lo, v)
		hi = max(hi, v)
	}

	// Amplitude larger than half scale clips at both rails.
	assert.Equal(t, uint16(0), lo)
	assert.Equal(t, uint16(4095), hi)
	assert.Equal(t, 1000, m.Reads())
}

func TestMock_CentredOnMidScale(t *testing.T) {
	m := NewMock(&config.MockADCConfig{ToneHz: 500, Amplitude: 300}, 8000, 12)

	var sum int
	const n = 8000 // whole number of tone periods
	for rep := 0; rep < n; rep++ {
		v, err := m.Read()
		require.NoError(t, err)
		sum += int(v)
	}

	assert.InDelta(t, 2048, float64(sum)/n, 2)
}

func TestMock_FaultInjection(t *testing.T) {
	m := NewMock(&config.MockADCConfig{ToneHz: 440, Amplitude: 100, FaultEvery: 4}, 8000, 12)

	var faults int
	for rep := 0; rep < 20; rep++ {
		if _, err := m.Read(); err != nil {
			assert.ErrorIs(t, err, ErrReadFailed)
			faults++
		}
	}
	assert.Equal(t, 5, faults)
}

func TestMock_DefaultConfig(t *testing.T) {
	m := NewMock(nil, 0, 12)
	v, err := m.Read()
	require.NoError(t, err)
	assert.LessOrEqual(t, v, uint16(4095))
}

func TestReaderFunc(t *testing.T) {
	var r Reader = ReaderFunc(func() (uint16, error) { return 7, nil })
	v, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, uint16(7), v)
}
