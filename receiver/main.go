package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/itohio/audiolink/pkg/config"
	"github.com/itohio/audiolink/pkg/logging"
	"github.com/itohio/audiolink/pkg/recorder"
)

func main() {
	var (
		configFlag    = flag.String("config", "config.yaml", "Configuration file path")
		listenFlag    = flag.String("listen", "", "Websocket listen address override (e.g., :8765)")
		portFlag      = flag.String("p", "", "Read from this serial port instead of listening (e.g., /dev/rfcomm0)")
		secondsFlag   = flag.Float64("seconds", 10, "Recording length in seconds (0 = until interrupted)")
		dirFlag       = flag.String("dir", "", "Output directory override")
		conditionFlag = flag.String("condition", "", "Label appended to the file name")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *listenFlag != "" {
		cfg.Recorder.Listen = *listenFlag
	}
	if *dirFlag != "" {
		cfg.Recorder.Dir = *dirFlag
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	rec, err := recorder.New(cfg.Pipeline.SampleRate)
	if err != nil {
		logger.Fatal("failed to create recorder", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *secondsFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*secondsFlag*float64(time.Second)))
		defer cancel()
	}

	if *portFlag != "" {
		err = recordSerial(ctx, *portFlag, cfg.Transport.Serial.BaudRate, rec, logger)
	} else {
		err = recordWebSocket(ctx, cfg.Recorder.Listen, rec, logger)
	}
	if err != nil {
		logger.Error("recording interrupted", zap.Error(err))
	}

	meta, err := rec.Save(cfg.Recorder.Dir, *conditionFlag)
	if err != nil {
		logger.Fatal("failed to save recording", zap.Error(err))
	}
	logger.Info("recording saved",
		zap.String("dir", cfg.Recorder.Dir),
		zap.String("file", meta.File),
		zap.Int("samples", meta.SampleCount),
		zap.Float64("duration_sec", meta.DurationSec),
		zap.Float64("rms", meta.RMS),
		zap.Int("peak", meta.Peak),
	)
}

// recordSerial reads the raw sample stream from a serial port until ctx is done.
func recordSerial(ctx context.Context, port string, baudRate int, rec *recorder.Recorder, logger *zap.Logger) error {
	conn, err := serial.Open(port, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return err
	}
	logger.Info("recording from serial port", zap.String("port", port))

	// Closing the port unblocks ReadFrom.
	stopRead := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopRead()

	_, err = rec.ReadFrom(conn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// recordWebSocket accepts streamer connections on /stream and records every
// binary message until ctx is done.
func recordWebSocket(ctx context.Context, addr string, rec *recorder.Recorder, logger *zap.Logger) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 1024,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		logger.Info("streamer connected", zap.String("remote", r.RemoteAddr))
		stopRead := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stopRead()

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				logger.Info("streamer disconnected", zap.String("remote", r.RemoteAddr), zap.Error(err))
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			if _, err := rec.Write(data); err != nil {
				logger.Warn("bad packet", zap.Int("bytes", len(data)), zap.Error(err))
			}
		}
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("waiting for streamer", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
