package sample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaturate(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		want Sample
	}{
		{name: "zero", in: 0, want: 0},
		{name: "positive in range", in: 1234, want: 1234},
		{name: "negative in range", in: -1234, want: -1234},
		{name: "max", in: math.MaxInt16, want: math.MaxInt16},
		{name: "min", in: math.MinInt16, want: math.MinInt16},
		{name: "positive overflow", in: 40000, want: math.MaxInt16},
		{name: "negative overflow", in: -40000, want: math.MinInt16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Saturate(tt.in))
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	samples := []Sample{0, 1, -1, math.MaxInt16, math.MinInt16, 0x1234}
	buf := make([]byte, 64)

	payload := Encode(buf, samples)
	require.Len(t, payload, len(samples)*Width)

	// Little-endian on the wire.
	assert.Equal(t, []byte{0x34, 0x12}, payload[10:12])
	assert.Equal(t, []byte{0xff, 0xff}, payload[4:6])

	decoded, err := Decode(nil, payload)
	require.NoError(t, err)
	assert.Equal(t, samples, decoded)
}

func TestDecode_OddPayload(t *testing.T) {
	out, err := Decode([]Sample{7}, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrOddPayload)
	assert.Equal(t, []Sample{7}, out)
}

func TestPool(t *testing.T) {
	p, err := NewPool(3, 8)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Available())
	assert.Equal(t, 8, p.Size())

	var held []Buffer
	for rep := 0; rep < 3; rep++ {
		b, ok := p.Get()
		require.True(t, ok)
		assert.Len(t, b, 8)
		held = append(held, b)
	}

	_, ok := p.Get()
	assert.False(t, ok, "exhausted pool must not block or allocate")

	// Buffers must not alias each other.
	held[0][7] = 11
	assert.Equal(t, Sample(0), held[1][0])

	p.Put(held[0])
	assert.Equal(t, 1, p.Available())

	p.Put(make(Buffer, 4))
	assert.Equal(t, 1, p.Available(), "foreign sized buffer is ignored")

	b, ok := p.Get()
	require.True(t, ok)
	assert.Equal(t, Sample(11), b[7])
}

func TestNewPool_Invalid(t *testing.T) {
	_, err := NewPool(0, 8)
	assert.Error(t, err)
	_, err = NewPool(2, 0)
	assert.Error(t, err)
}
