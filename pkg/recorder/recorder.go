// Package recorder collects streamed packets on the receiving side and saves
// them as a WAV file with a JSON description next to it.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/itohio/audiolink/pkg/sample"
)

// TimestampLayout names recordings, e.g. 2025_03_Mar_14_093015.
const TimestampLayout = "2006_01_Jan_02_150405"

// ErrEmpty is returned when saving a recording with no samples.
var ErrEmpty = errors.New("recording is empty")

// Meta describes a saved recording.
type Meta struct {
	SessionID   string  `json:"session_id"`
	File        string  `json:"original_file"`
	SampleCount int     `json:"sample_count"`
	SampleRate  int     `json:"sample_rate"`
	DurationSec float64 `json:"duration_sec"`
	Timestamp   string  `json:"timestamp"`
	DataType    string  `json:"data_type"`
	Condition   string  `json:"condition,omitempty"`
	RMS         float64 `json:"rms"`
	Peak        int     `json:"peak"`
}

// Recorder accumulates decoded samples. It is safe for concurrent use.
type Recorder struct {
	sampleRate int
	session    string
	now        func() time.Time

	mu      sync.Mutex
	samples []sample.Sample
	carry   []byte // Odd byte left over by ReadFrom
}

// New creates an empty recorder for a stream at sampleRate.
func New(sampleRate int) (*Recorder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	return &Recorder{
		sampleRate: sampleRate,
		session:    uuid.New().String(),
		now:        time.Now,
	}, nil
}

// Write decodes one packet of little-endian int16 samples.
func (r *Recorder) Write(packet []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.samples, err = sample.Decode(r.samples, packet); err != nil {
		return 0, err
	}
	return len(packet), nil
}

// ReadFrom decodes a byte stream with no packet boundaries, such as a serial
// port, until EOF. A trailing odd byte is kept for the next call.
func (r *Recorder) ReadFrom(src io.Reader) (int64, error) {
	buf := make([]byte, 512)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			total += int64(n)
			r.append(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func (r *Recorder) append(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.carry) > 0 {
		data = append(r.carry, data...)
		r.carry = r.carry[:0]
	}
	even := len(data) &^ 1
	r.samples, _ = sample.Decode(r.samples, data[:even])
	if even < len(data) {
		r.carry = append(r.carry, data[even])
	}
}

// Samples returns a copy of the recorded samples.
func (r *Recorder) Samples() []sample.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]sample.Sample, len(r.samples))
	copy(out, r.samples)
	return out
}

// Len returns the number of recorded samples.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Duration returns the recorded length in stream time.
func (r *Recorder) Duration() time.Duration {
	return time.Duration(r.Len()) * time.Second / time.Duration(r.sampleRate)
}

// SessionID identifies this recorder in the saved metadata.
func (r *Recorder) SessionID() string {
	return r.session
}

// Reset discards the recorded samples.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = r.samples[:0]
	r.carry = r.carry[:0]
}

// Save writes <base>.wav and <base>_meta.json into dir, creating dir when
// needed. base is <timestamp>[_<condition>].
func (r *Recorder) Save(dir, condition string) (Meta, error) {
	samples := r.Samples()
	if len(samples) == 0 {
		return Meta{}, ErrEmpty
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Meta{}, fmt.Errorf("failed to create directory: %w", err)
	}

	stamp := r.now().Format(TimestampLayout)
	base := stamp
	if condition != "" {
		base += "_" + condition
	}
	name := base + ".wav"

	if err := writeWAV(filepath.Join(dir, name), samples, r.sampleRate); err != nil {
		return Meta{}, err
	}

	rms, peak := levels(samples)
	meta := Meta{
		SessionID:   r.session,
		File:        name,
		SampleCount: len(samples),
		SampleRate:  r.sampleRate,
		DurationSec: float64(len(samples)) / float64(r.sampleRate),
		Timestamp:   stamp,
		DataType:    "int16",
		Condition:   condition,
		RMS:         rms,
		Peak:        peak,
	}

	data, err := sonic.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Meta{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, base+"_meta.json"), data, 0644); err != nil {
		return Meta{}, fmt.Errorf("failed to write metadata: %w", err)
	}

	return meta, nil
}

func writeWAV(path string, samples []sample.Sample, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create WAV file: %w", err)
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	// 16-bit mono PCM
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write WAV data: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to finalize WAV file: %w", err)
	}
	return f.Close()
}

// levels returns the RMS and absolute peak of samples in raw counts.
func levels(samples []sample.Sample) (float64, int) {
	x := make([]float64, len(samples))
	peak := 0
	for i, s := range samples {
		x[i] = float64(s)
		peak = max(peak, int(math.Abs(x[i])))
	}
	return floats.Norm(x, 2) / math.Sqrt(float64(len(x))), peak
}
