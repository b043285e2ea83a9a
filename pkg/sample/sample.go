package sample

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Width is the encoded size of one Sample on the wire, in bytes.
const Width = 2

// ErrOddPayload is returned when a packet cannot be split into whole samples.
var ErrOddPayload = errors.New("payload length is not a multiple of the sample width")

// Sample is one signed reading of the analog signal, raw or processed.
type Sample int16

// Buffer is a fixed-length run of samples, one transmission unit.
// A Buffer is owned by exactly one stage at a time.
type Buffer []Sample

// Saturate narrows a wide value into the Sample range without wrapping.
func Saturate(v int64) Sample {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return Sample(v)
}

// Encode writes samples into dst as little-endian int16 and returns the used prefix.
// dst must hold at least len(samples)*Width bytes.
func Encode(dst []byte, samples []Sample) []byte {
	n := len(samples) * Width
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*Width:], uint16(s))
	}
	return dst
}

// Decode appends the samples carried in payload to dst.
func Decode(dst []Sample, payload []byte) ([]Sample, error) {
	if len(payload)%Width != 0 {
		return dst, fmt.Errorf("%w: %d bytes", ErrOddPayload, len(payload))
	}
	for i := 0; i < len(payload); i += Width {
		dst = append(dst, Sample(int16(binary.LittleEndian.Uint16(payload[i:]))))
	}
	return dst, nil
}
