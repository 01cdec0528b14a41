package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	acehttp "github.com/RawleySM/agentic-context-engine/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run inspection HTTP server",
	Long: `Start the HTTP server exposing run state, transcript reads, live event
streaming over SSE, and Prometheus metrics.

Examples:
  # Serve the configured transcript directory
  ace serve

  # Serve with NATS event streaming enabled
  ACE_NATS_ENABLED=true ACE_NATS_URL=nats://localhost:4222 ace serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	tel, err := initTelemetry(cmd.Context(), rootCmd.Version)
	if err != nil {
		return err
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	recorder, err := buildRecorder(cfg, logger)
	if err != nil {
		return err
	}

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("ace"))
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
		logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	server, err := acehttp.NewServer(recorder, nc, logger, &acehttp.Config{Addr: cfg.HTTP.Addr})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
