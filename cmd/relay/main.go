// main.go
// Wires the relay together: config from the environment, the slog logger,
// a Prometheus registry, the connection relay and its HTTP front door. On
// SIGINT/SIGTERM the listener stops first, then every open connection is
// closed within SHUTDOWN_TIMEOUT.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"command-relay/internal/config"
	"command-relay/internal/logging"
	"command-relay/internal/metrics"
	"command-relay/internal/relay"
	"command-relay/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	reg := metrics.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(reg)

	r := relay.New(relay.Options{
		SendQueueSize:  cfg.SendQueueSize,
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         logger,
		Metrics:        relayMetrics,
	})

	srv := server.New(r, server.Options{
		Addr:         cfg.Addr(),
		ConnectRate:  cfg.ConnectRate,
		ConnectBurst: cfg.ConnectBurst,
		Logger:       logger,
		Registry:     reg,
		Metrics:      relayMetrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Error("Relay shutdown did not complete", "error", err)
	}
	logger.Info("Server stopped")
}
