package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/crosline/fleetd/backend"
	"github.com/crosline/fleetd/call"
	"github.com/crosline/fleetd/device"
	"github.com/crosline/fleetd/sms"
)

func main() {
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the diagnostics HTTP server")
	flag.String("backend-url", "http://localhost:8000", "Base URL of the AI platform")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Duration("scan-interval", 10*time.Second, "USB device scan interval")
	flag.Duration("sms-poll-interval", 15*time.Second, "SMS storage poll interval")
	flag.Duration("at-timeout", 5*time.Second, "Timeout for AT command responses")
	flag.Duration("dial-timeout", 30*time.Second, "Timeout for call setup and SMS submission")
	flag.Int("audio-chunk-size", 960, "Audio samples processed per chunk")
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithFile(*configPath), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if err := portaudio.Initialize(); err != nil {
		logger.Error("Failed to initialize audio subsystem", "error", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	client := backend.NewClient(config.BackendURL,
		backend.WithLogger(logger.With("component", "backend")))

	manager := device.NewManager(
		device.EnumeratorSource{},
		device.PortAudioSource{},
		logger.With("component", "devices"))

	hub := NewHub(logger.With("component", "events"))
	fleet := NewFleet(manager, hub, logger.With("component", "fleet"), config,
		newFleetMetrics(registry))

	smsHandler := sms.NewHandler(fleet.smsModems, client,
		logger.With("component", "sms"),
		sms.WithPollInterval(config.SMSPollInterval),
		sms.WithMetrics(sms.NewMetrics(registry)))

	callHandler := call.NewHandler(fleet.callModems, client,
		logger.With("component", "calls"),
		call.WithAudio(fleet.openAudioLink, fleet.audioCfg),
		call.WithMessenger(smsHandler),
		call.WithMetrics(call.NewMetrics(registry)))

	fleet.Attach(callHandler, smsHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)
	go fleet.Run(ctx)
	go func() {
		if err := smsHandler.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("SMS handler stopped", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:   logger.With("component", "server"),
			Fleet:    fleet,
			Calls:    callHandler,
			SMS:      smsHandler,
			Hub:      hub,
			Registry: registry,
		},
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("Modem fleet controller started", "backend", config.BackendURL)

	// Wait for interrupt signal
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	// Drain active calls before tearing down the modems under them.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := callHandler.Drain(drainCtx); err != nil {
		logger.Warn("Active calls not drained cleanly", "error", err)
	}
	drainCancel()

	// Stops discovery and monitors and closes every serial handle.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
		os.Exit(1)
	}
}
