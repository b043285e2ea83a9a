package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/audiolink/pkg/adc"
	"github.com/itohio/audiolink/pkg/config"
	"github.com/itohio/audiolink/pkg/logging"
	"github.com/itohio/audiolink/pkg/metrics"
	"github.com/itohio/audiolink/pkg/pipeline"
	"github.com/itohio/audiolink/pkg/recorder"
	"github.com/itohio/audiolink/pkg/transport"
)

func main() {
	var (
		portFlag      = flag.String("p", "", "Transport serial port override (e.g., COM5 or /dev/rfcomm0)")
		configFlag    = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag      = flag.Bool("mock", false, "Use the synthetic ADC instead of the configured one")
		listPortsFlag = flag.Bool("list-ports", false, "List serial ports and exit")
		metricsFlag   = flag.String("metrics", "", "Metrics listen address override (e.g., :9090)")
	)
	flag.Parse()

	if *listPortsFlag {
		listPorts()
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Command line overrides
	if *portFlag != "" {
		cfg.Transport.Kind = config.KindSerial
		cfg.Transport.Serial.Port = *portFlag
	}
	if *mockFlag {
		cfg.ADC.Kind = config.KindMock
	}
	if *metricsFlag != "" {
		cfg.Metrics.Addr = *metricsFlag
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader, closeADC, err := openADC(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open ADC", zap.Error(err))
	}
	defer closeADC()

	link, closeLink, err := openTransport(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open transport", zap.Error(err))
	}
	defer closeLink()

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, m, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	p, err := pipeline.New(cfg, reader, link,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
	)
	if err != nil {
		logger.Fatal("failed to create pipeline", zap.Error(err))
	}

	logger.Info("streaming",
		zap.String("adc", cfg.ADC.Kind),
		zap.String("transport", cfg.Transport.Kind),
		zap.Duration("buffer_period", cfg.BufferPeriod()),
	)
	if err := p.Run(ctx); err != nil {
		logger.Error("pipeline failed", zap.Error(err))
	}
}

func listPorts() {
	ports, err := transport.Ports()
	if err != nil {
		log.Fatalf("Failed to list serial ports: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return
	}
	for _, p := range ports {
		fmt.Printf("%s\t%s\n", p.Name, p.Description)
	}
}

// openADC returns the configured converter and a function releasing it.
func openADC(cfg *config.Config, logger *zap.Logger) (adc.Reader, func(), error) {
	switch cfg.ADC.Kind {
	case config.KindSerial:
		s := adc.NewSerial(cfg.ADC.Serial.Port, cfg.ADC.Serial.BaudRate, uint16(cfg.MaxRaw()))
		if err := s.Connect(); err != nil {
			return nil, nil, err
		}
		logger.Info("ADC connected", zap.String("port", cfg.ADC.Serial.Port))
		return s, func() {
			if n := s.Malformed(); n > 0 {
				logger.Warn("malformed ADC lines", zap.Uint64("count", n))
			}
			_ = s.Close()
		}, nil
	default:
		logger.Info("using synthetic ADC",
			zap.Float64("tone_hz", cfg.ADC.Mock.ToneHz),
			zap.Int("fault_every", cfg.ADC.Mock.FaultEvery),
		)
		return adc.NewMock(&cfg.ADC.Mock, cfg.Pipeline.SampleRate, cfg.Acquisition.Resolution), func() {}, nil
	}
}

// openTransport builds the configured link and a function releasing it.
// Links that keep their own connection up are started by the pipeline; an
// unreachable peer is not an error, the pipeline degrades until it appears.
// The loopback kind records locally and saves the take on release.
func openTransport(cfg *config.Config, logger *zap.Logger) (transport.Transport, func(), error) {
	switch cfg.Transport.Kind {
	case config.KindSerial:
		sc := cfg.Transport.Serial
		s := transport.NewSerial(sc.Port, sc.BaudRate, sc.MaxPayload)
		if err := s.Connect(); err != nil {
			logger.Warn("serial link not available yet", zap.Error(err))
		}
		s.OnRedialError(func(err error) {
			logger.Warn("serial link reopen failed", zap.String("port", sc.Port), zap.Error(err))
		})
		return s, func() { _ = s.Close() }, nil
	case config.KindWebSocket:
		wc := cfg.Transport.WebSocket
		return transport.NewWebSocket(wc.URL, wc.HandshakeTimeout, wc.MaxPayload), func() {}, nil
	case config.KindLoopback:
		rec, err := recorder.New(cfg.Pipeline.SampleRate)
		if err != nil {
			return nil, nil, err
		}
		link := transport.NewLoopback(cfg.Transport.Loopback.MaxPayload, transport.WithHandler(func(p []byte) {
			if _, err := rec.Write(p); err != nil {
				logger.Warn("bad loopback packet", zap.Int("bytes", len(p)), zap.Error(err))
			}
		}))
		return link, func() {
			meta, err := rec.Save(cfg.Recorder.Dir, "loopback")
			if err != nil {
				logger.Warn("recording not saved", zap.Error(err))
				return
			}
			logger.Info("recording saved",
				zap.String("file", meta.File),
				zap.Int("samples", meta.SampleCount),
				zap.Float64("duration_sec", meta.DurationSec),
			)
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
