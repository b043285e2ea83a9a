package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/itohio/audiolink/pkg/filter"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, 8000, cfg.Pipeline.SampleRate)
	assert.Equal(t, 256, cfg.Pipeline.BufferSize)
	assert.Equal(t, 20, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 4, cfg.Pipeline.ChannelCapacity)
	assert.Equal(t, DropNewest, cfg.Pipeline.DropPolicy)
	assert.Equal(t, 12, cfg.Acquisition.Resolution)
	assert.Equal(t, 2048, cfg.Acquisition.InitialBias)
	assert.Len(t, cfg.Filter.Coefficients, 21)
	assert.Equal(t, 2*time.Millisecond, cfg.Transmit.PacingInterval)
	assert.Equal(t, 3, cfg.Transmit.MaxRetries)
	assert.Equal(t, KindLoopback, cfg.Transport.Kind)
	assert.Equal(t, 40, cfg.Transport.Loopback.MaxPayload)
	assert.Equal(t, KindMock, cfg.ADC.Kind)
	assert.NoError(t, cfg.Validate())
}

func TestDefault_CoefficientsAreCopied(t *testing.T) {
	cfg := Default()
	cfg.Filter.Coefficients[0] = 42

	assert.NotEqual(t, float64(42), filter.LowPass21[0])
}

func TestDerivedTiming(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 4095, cfg.MaxRaw())
	assert.Equal(t, 125*time.Microsecond, cfg.SamplePeriod())
	assert.Equal(t, 32*time.Millisecond, cfg.BufferPeriod())

	cfg.Pipeline.SampleRate = 0
	assert.Zero(t, cfg.SamplePeriod())
	assert.Zero(t, cfg.BufferPeriod())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8000, cfg.Pipeline.SampleRate)
}

func TestLoad_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	yamlContent := `
pipeline:
  sample_rate: 22050
  buffer_size: 128
  chunk_size: 10
  channel_capacity: 2
  drop_policy: drop-oldest

filter:
  coefficients: [0.25, 0.5, 0.25]

transmit:
  pacing_interval: 10ms
  max_retries: 5

transport:
  kind: websocket
  websocket:
    url: "ws://example.local/stream"
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 22050, cfg.Pipeline.SampleRate)
	assert.Equal(t, 128, cfg.Pipeline.BufferSize)
	assert.Equal(t, 10, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 2, cfg.Pipeline.ChannelCapacity)
	assert.Equal(t, DropOldest, cfg.Pipeline.DropPolicy)
	assert.Equal(t, []float64{0.25, 0.5, 0.25}, cfg.Filter.Coefficients)
	assert.Equal(t, 10*time.Millisecond, cfg.Transmit.PacingInterval)
	assert.Equal(t, 5, cfg.Transmit.MaxRetries)
	assert.Equal(t, KindWebSocket, cfg.Transport.Kind)
	assert.Equal(t, "ws://example.local/stream", cfg.Transport.WebSocket.URL)
	assert.Equal(t, 517, cfg.Transport.WebSocket.MaxPayload) // default
	assert.Equal(t, 40, cfg.Transport.Loopback.MaxPayload)   // default
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("invalid: yaml: content: ["), 0644))

	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  sample_rate: 16000\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 16000, cfg.Pipeline.SampleRate)
	assert.Equal(t, 256, cfg.Pipeline.BufferSize) // default
	assert.Len(t, cfg.Filter.Coefficients, 21)    // default
	assert.Equal(t, "info", cfg.Logging.Level)    // default
	assert.Equal(t, DropNewest, cfg.Pipeline.DropPolicy)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUDIOLINK_PIPELINE_SAMPLE_RATE", "22050")
	t.Setenv("AUDIOLINK_PIPELINE_DROP_POLICY", DropOldest)
	t.Setenv("AUDIOLINK_TRANSMIT_PACING_INTERVAL", "7ms")
	t.Setenv("AUDIOLINK_TRANSPORT_SERIAL_PORT", "/dev/ttyUSB3")
	t.Setenv("AUDIOLINK_TRANSPORT_LOOPBACK_MAX_PAYLOAD", "64")

	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)

	assert.Equal(t, 22050, cfg.Pipeline.SampleRate)
	assert.Equal(t, DropOldest, cfg.Pipeline.DropPolicy)
	assert.Equal(t, 7*time.Millisecond, cfg.Transmit.PacingInterval)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Transport.Serial.Port)
	assert.Equal(t, 64, cfg.Transport.Loopback.MaxPayload)
	assert.Equal(t, 256, cfg.Pipeline.BufferSize, "unset variables keep file values")
}

func TestLoad_EnvInvalid(t *testing.T) {
	t.Setenv("AUDIOLINK_PIPELINE_BUFFER_SIZE", "lots")

	_, err := Load("nonexistent.yaml")
	assert.Error(t, err)
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Transport.Serial.Port = "/dev/ttyUSB0"
	cfg.Pipeline.SampleRate = 22050

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Transport.Serial.Port)
	assert.Equal(t, 22050, loaded.Pipeline.SampleRate)
	assert.Equal(t, cfg.Filter.Coefficients, loaded.Filter.Coefficients)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errs   int
	}{
		{name: "defaults", mutate: func(c *Config) {}, errs: 0},
		{name: "zero filter taps", mutate: func(c *Config) { c.Filter.Coefficients = nil }, errs: 1},
		{name: "zero channel capacity", mutate: func(c *Config) { c.Pipeline.ChannelCapacity = 0 }, errs: 1},
		{name: "zero buffer size", mutate: func(c *Config) { c.Pipeline.BufferSize = 0 }, errs: 1},
		{name: "zero chunk size", mutate: func(c *Config) { c.Pipeline.ChunkSize = 0 }, errs: 1},
		{name: "negative sample rate", mutate: func(c *Config) { c.Pipeline.SampleRate = -1 }, errs: 1},
		{name: "unknown policy", mutate: func(c *Config) { c.Pipeline.DropPolicy = "block" }, errs: 1},
		{name: "bias above range", mutate: func(c *Config) { c.Acquisition.InitialBias = 5000 }, errs: 1},
		{name: "resolution too wide", mutate: func(c *Config) { c.Acquisition.Resolution = 16 }, errs: 1},
		{name: "negative retries", mutate: func(c *Config) { c.Transmit.MaxRetries = -1 }, errs: 1},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport.Kind = "ble" }, errs: 1},
		{name: "unknown adc", mutate: func(c *Config) { c.ADC.Kind = "i2s" }, errs: 1},
		{
			name: "several problems at once",
			mutate: func(c *Config) {
				c.Filter.Coefficients = nil
				c.Pipeline.ChannelCapacity = 0
				c.Pipeline.ChunkSize = 0
			},
			errs: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errs == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Len(t, multierr.Errors(err), tt.errs)
		})
	}
}
