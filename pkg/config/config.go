package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/itohio/audiolink/pkg/filter"
)

// EnvPrefix prefixes every environment override, e.g. AUDIOLINK_PIPELINE_SAMPLE_RATE.
const EnvPrefix = "AUDIOLINK"

// Drop policies understood by the stage channels.
const (
	DropNewest = "drop-newest"
	DropOldest = "drop-oldest"
)

// Kinds of transports and converters.
const (
	KindSerial    = "serial"
	KindWebSocket = "websocket"
	KindLoopback  = "loopback"
	KindMock      = "mock"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration. It is fixed once the pipeline starts.
type Config struct {
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Filter      FilterConfig      `yaml:"filter"`
	Transmit    TransmitConfig    `yaml:"transmit"`
	Transport   TransportConfig   `yaml:"transport"`
	ADC         ADCConfig         `yaml:"adc"`
	Recorder    RecorderConfig    `yaml:"recorder"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// PipelineConfig contains sizing and scheduling of the pipeline.
type PipelineConfig struct {
	SampleRate      int           `yaml:"sample_rate" split_words:"true"`      // Hz
	BufferSize      int           `yaml:"buffer_size" split_words:"true"`      // Samples per transmission unit
	ChunkSize       int           `yaml:"chunk_size" split_words:"true"`       // Samples per link packet
	ChannelCapacity int           `yaml:"channel_capacity" split_words:"true"` // Buffers per stage channel
	DropPolicy      string        `yaml:"drop_policy" split_words:"true"`      // drop-newest or drop-oldest
	StatsInterval   time.Duration `yaml:"stats_interval" split_words:"true"`   // 0 disables periodic stats logging
}

// AcquisitionConfig contains analog front end parameters.
type AcquisitionConfig struct {
	Resolution  int `yaml:"resolution"`                      // ADC resolution in bits
	InitialBias int `yaml:"initial_bias" split_words:"true"` // Bias used until the first buffer completes
}

// FilterConfig contains the fixed FIR coefficient vector.
type FilterConfig struct {
	Coefficients []float64 `yaml:"coefficients"`
}

// TransmitConfig contains link pacing parameters.
type TransmitConfig struct {
	PacingInterval time.Duration `yaml:"pacing_interval" split_words:"true"`
	MaxRetries     int           `yaml:"max_retries" split_words:"true"`
}

// TransportConfig selects and configures the outgoing link.
type TransportConfig struct {
	Kind      string          `yaml:"kind"`
	Serial    SerialConfig    `yaml:"serial"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Loopback  LoopbackConfig  `yaml:"loopback"`
}

// LoopbackConfig sizes the in-process link that records to Recorder.Dir.
type LoopbackConfig struct {
	MaxPayload int `yaml:"max_payload" split_words:"true"` // Bytes per packet
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port       string `yaml:"port"`
	BaudRate   int    `yaml:"baud_rate" split_words:"true"`
	MaxPayload int    `yaml:"max_payload" split_words:"true"` // Bytes per write
}

// WebSocketConfig contains the websocket link configuration.
type WebSocketConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" split_words:"true"`
	MaxPayload       int           `yaml:"max_payload" split_words:"true"` // Bytes per message
}

// ADCConfig selects the analog front end used by the host streamer.
type ADCConfig struct {
	Kind   string        `yaml:"kind"`
	Serial SerialConfig  `yaml:"serial"`
	Mock   MockADCConfig `yaml:"mock"`
}

// MockADCConfig contains synthetic converter configuration.
type MockADCConfig struct {
	ToneHz     float64 `yaml:"tone_hz" split_words:"true"`     // Test tone frequency
	Amplitude  float64 `yaml:"amplitude"`                      // Peak amplitude in ADC counts
	Noise      float64 `yaml:"noise"`                          // Peak noise in ADC counts
	FaultEvery int     `yaml:"fault_every" split_words:"true"` // Inject a failed read every N reads (0 = never)
}

// RecorderConfig contains receiver side configuration.
type RecorderConfig struct {
	Dir    string `yaml:"dir"`
	Listen string `yaml:"listen"`
}

// LoggingConfig contains logger configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig contains the metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // Empty disables the endpoint
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	coeffs := make([]float64, len(filter.LowPass21))
	copy(coeffs, filter.LowPass21)

	return &Config{
		Pipeline: PipelineConfig{
			SampleRate:      8000,
			BufferSize:      256,
			ChunkSize:       20,
			ChannelCapacity: 4,
			DropPolicy:      DropNewest,
			StatsInterval:   5 * time.Second,
		},
		Acquisition: AcquisitionConfig{
			Resolution:  12,
			InitialBias: 2048,
		},
		Filter: FilterConfig{
			Coefficients: coeffs,
		},
		Transmit: TransmitConfig{
			PacingInterval: 2 * time.Millisecond, // 13 packets per 32 ms buffer leaves ~6 ms slack
			MaxRetries:     3,
		},
		Transport: TransportConfig{
			Kind: KindLoopback,
			Serial: SerialConfig{
				Port:       "/dev/rfcomm0",
				BaudRate:   115200,
				MaxPayload: 40,
			},
			WebSocket: WebSocketConfig{
				URL:              "ws://localhost:8765/stream",
				HandshakeTimeout: 5 * time.Second,
				MaxPayload:       517,
			},
			Loopback: LoopbackConfig{
				MaxPayload: 40,
			},
		},
		ADC: ADCConfig{
			Kind: KindMock,
			Serial: SerialConfig{
				Port:     "/dev/ttyACM0",
				BaudRate: 115200,
			},
			Mock: MockADCConfig{
				ToneHz:    440,
				Amplitude: 800,
				Noise:     20,
			},
		},
		Recorder: RecorderConfig{
			Dir:    "Recordings",
			Listen: ":8765",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, then applies environment overrides.
// If the file doesn't exist or fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides fields from AUDIOLINK_* environment variables.
// Unset variables leave the current values untouched.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	return nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MaxRaw returns the largest reading the converter can report.
func (c *Config) MaxRaw() int {
	return 1<<c.Acquisition.Resolution - 1
}

// BufferPeriod returns the time it takes to acquire one buffer.
func (c *Config) BufferPeriod() time.Duration {
	if c.Pipeline.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Pipeline.BufferSize) * time.Second / time.Duration(c.Pipeline.SampleRate)
}

// SamplePeriod returns 1/SampleRate.
func (c *Config) SamplePeriod() time.Duration {
	if c.Pipeline.SampleRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.Pipeline.SampleRate)
}

// Validate reports every problem that would prevent the pipeline from running.
func (c *Config) Validate() error {
	var err error
	fail := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	p := c.Pipeline
	if p.SampleRate <= 0 {
		fail("sample rate must be positive, got %d", p.SampleRate)
	}
	if p.BufferSize <= 0 {
		fail("buffer size must be positive, got %d", p.BufferSize)
	}
	if p.ChunkSize <= 0 {
		fail("chunk size must be positive, got %d", p.ChunkSize)
	}
	if p.ChannelCapacity <= 0 {
		fail("channel capacity must be positive, got %d", p.ChannelCapacity)
	}
	if p.DropPolicy != DropNewest && p.DropPolicy != DropOldest {
		fail("unknown drop policy %q", p.DropPolicy)
	}
	if p.StatsInterval < 0 {
		fail("stats interval must not be negative")
	}

	if c.Acquisition.Resolution <= 0 || c.Acquisition.Resolution > 15 {
		fail("ADC resolution must be 1..15 bits, got %d", c.Acquisition.Resolution)
	} else if c.Acquisition.InitialBias < 0 || c.Acquisition.InitialBias > c.MaxRaw() {
		fail("initial bias %d outside 0..%d", c.Acquisition.InitialBias, c.MaxRaw())
	}

	if len(c.Filter.Coefficients) == 0 {
		fail("filter needs at least one coefficient")
	}

	if c.Transmit.PacingInterval < 0 {
		fail("pacing interval must not be negative")
	}
	if c.Transmit.MaxRetries < 0 {
		fail("max retries must not be negative")
	}

	switch c.Transport.Kind {
	case KindSerial, KindWebSocket, KindLoopback:
	default:
		fail("unknown transport kind %q", c.Transport.Kind)
	}
	switch c.ADC.Kind {
	case KindSerial, KindMock:
	default:
		fail("unknown ADC kind %q", c.ADC.Kind)
	}

	return err
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Pipeline.SampleRate == 0 {
		c.Pipeline.SampleRate = def.Pipeline.SampleRate
	}
	if c.Pipeline.BufferSize == 0 {
		c.Pipeline.BufferSize = def.Pipeline.BufferSize
	}
	if c.Pipeline.ChunkSize == 0 {
		c.Pipeline.ChunkSize = def.Pipeline.ChunkSize
	}
	if c.Pipeline.ChannelCapacity == 0 {
		c.Pipeline.ChannelCapacity = def.Pipeline.ChannelCapacity
	}
	if c.Pipeline.DropPolicy == "" {
		c.Pipeline.DropPolicy = def.Pipeline.DropPolicy
	}

	if c.Acquisition.Resolution == 0 {
		c.Acquisition.Resolution = def.Acquisition.Resolution
	}

	if len(c.Filter.Coefficients) == 0 {
		c.Filter.Coefficients = def.Filter.Coefficients
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = def.Transport.Kind
	}
	if c.Transport.Serial.BaudRate == 0 {
		c.Transport.Serial.BaudRate = def.Transport.Serial.BaudRate
	}
	if c.Transport.Serial.MaxPayload == 0 {
		c.Transport.Serial.MaxPayload = def.Transport.Serial.MaxPayload
	}
	if c.Transport.WebSocket.URL == "" {
		c.Transport.WebSocket.URL = def.Transport.WebSocket.URL
	}
	if c.Transport.WebSocket.HandshakeTimeout == 0 {
		c.Transport.WebSocket.HandshakeTimeout = def.Transport.WebSocket.HandshakeTimeout
	}
	if c.Transport.WebSocket.MaxPayload == 0 {
		c.Transport.WebSocket.MaxPayload = def.Transport.WebSocket.MaxPayload
	}
	if c.Transport.Loopback.MaxPayload == 0 {
		c.Transport.Loopback.MaxPayload = def.Transport.Loopback.MaxPayload
	}

	if c.ADC.Kind == "" {
		c.ADC.Kind = def.ADC.Kind
	}
	if c.ADC.Serial.BaudRate == 0 {
		c.ADC.Serial.BaudRate = def.ADC.Serial.BaudRate
	}

	if c.Recorder.Dir == "" {
		c.Recorder.Dir = def.Recorder.Dir
	}
	if c.Recorder.Listen == "" {
		c.Recorder.Listen = def.Recorder.Listen
	}

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}
