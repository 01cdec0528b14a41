// Package main implements the ace CLI for running and inspecting skill
// loop runs.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/RawleySM/agentic-context-engine/internal/config"
	"github.com/RawleySM/agentic-context-engine/internal/logging"
	"github.com/RawleySM/agentic-context-engine/internal/telemetry"
)

var (
	// configPath points at an optional YAML config file
	configPath string
	// otelEndpoint enables OTLP export when set
	otelEndpoint string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ace",
	Short: "Run and inspect skill loop runs",
	Long: `ace drives task runs through the plan, build, test, review and document
phases, records every step in an append-only transcript, and governs
knowledge-base changes behind proof validation.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (ACE_* env vars override)")
	rootCmd.PersistentFlags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP collector endpoint; enables trace and metric export")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(transcriptCmd)
}

// loadConfig loads configuration and builds the logger every command
// shares.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}

// initTelemetry installs the OTel providers when an endpoint was given.
func initTelemetry(ctx context.Context, version string) (*telemetry.Telemetry, error) {
	cfg := telemetry.NewDefaultConfig()
	if otelEndpoint != "" {
		cfg.Enabled = true
		cfg.Endpoint = otelEndpoint
	}
	cfg.ServiceVersion = version
	return telemetry.New(ctx, cfg)
}
