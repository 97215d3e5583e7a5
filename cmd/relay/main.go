package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/happybits/funnel-stream/internal/backend"
	"github.com/happybits/funnel-stream/internal/backendtest"
	"github.com/happybits/funnel-stream/internal/config"
	"github.com/happybits/funnel-stream/internal/metrics"
	"github.com/happybits/funnel-stream/internal/server"
	"github.com/happybits/funnel-stream/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "funnel-stream-relay"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	fakeBackend := flag.Bool("fake-backend", false, "Run against an in-process fake transcription backend")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address),
		slog.Int("port", cfg.Server.Port),
		slog.Int("max_sessions", cfg.Stream.MaxSessions),
		slog.String("backend_url", cfg.Backend.URL),
		slog.Duration("finalize_timeout", cfg.Backend.GetFinalizeTimeout()),
		slog.String("log_level", cfg.Logging.Level),
	)

	backendURL := cfg.Backend.URL
	if *fakeBackend {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			logger.Error("Failed to start fake backend listener", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fake := &http.Server{Handler: (&backendtest.Server{SegmentEveryBytes: 32000}).Handler()}
		go fake.Serve(listener)
		defer fake.Close()

		backendURL = "ws://" + listener.Addr().String()
		logger.Info("Using in-process fake transcription backend",
			slog.String("url", backendURL),
		)
	}

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	dialer, err := backend.NewWSDialer(backend.Config{
		URL:         backendURL,
		APIKey:      cfg.Backend.APIKey,
		DialTimeout: cfg.Backend.GetDialTimeout(),
	}, logger)
	if err != nil {
		logger.Error("Failed to create backend dialer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := session.NewRegistry(dialer, session.RegistryConfig{
		MaxSessions:     cfg.Stream.MaxSessions,
		IdleTimeout:     cfg.Stream.GetIdleTimeout(),
		RetentionWindow: cfg.Stream.GetRetentionWindow(),
		EventQueueDepth: cfg.Stream.EventQueueDepth,
		FinalizeTimeout: cfg.Backend.GetFinalizeTimeout(),
	}, logger, appMetrics)
	logger.Info("Session registry initialized",
		slog.Duration("idle_timeout", cfg.Stream.GetIdleTimeout()),
		slog.Duration("retention_window", cfg.Stream.GetRetentionWindow()),
	)

	srv := server.New(cfg.Server, registry, logger, appMetrics)
	if err := srv.Start(); err != nil {
		logger.Error("Failed to start relay server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping relay server", slog.String("error", err.Error()))
	}

	registry.Stop()

	stats := dialer.GetStats()
	logger.Info("Final backend statistics",
		slog.Uint64("dials", stats.Dials),
		slog.Uint64("dial_failures", stats.DialFailures),
		slog.Uint64("frames_sent", stats.FramesSent),
		slog.Uint64("send_failures", stats.SendFailures),
	)

	logger.Info("Service stopped")
}

// initLogger creates the structured logger from configuration.
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
