// Package config provides configuration loading for the skills loop.
package config

import (
	"fmt"
	"time"

	"github.com/RawleySM/agentic-context-engine/internal/logging"
	"github.com/RawleySM/agentic-context-engine/internal/permission"
)

// Config is the top-level configuration for a skills loop process.
type Config struct {
	Logging  logging.Config `koanf:"logging"`
	Loop     LoopConfig     `koanf:"loop"`
	Subagent SubagentConfig `koanf:"subagent"`
	HTTP     HTTPConfig     `koanf:"http"`
	NATS     NATSConfig     `koanf:"nats"`
}

// LoopConfig controls the phase state machine and delta governance.
type LoopConfig struct {
	// MaxRetries bounds per-phase retries before the run aborts.
	MaxRetries int `koanf:"max_retries"`

	// RunTimeout bounds a whole run. Zero disables the timeout.
	RunTimeout Duration `koanf:"run_timeout"`

	// Permission is the run's permission mode.
	Permission string `koanf:"permission"`

	// Thresholds are the coverage floors required for proof-bearing deltas.
	Thresholds map[string]float64 `koanf:"thresholds"`

	// MinConfidence rejects deltas whose entry confidence falls below it.
	MinConfidence float64 `koanf:"min_confidence"`

	// TranscriptDir is where NDJSON transcripts are written. Empty keeps
	// transcripts in memory only.
	TranscriptDir string `koanf:"transcript_dir"`
}

// SubagentConfig controls subagent delegation.
type SubagentConfig struct {
	// MaxDepth bounds nested delegation.
	MaxDepth int `koanf:"max_depth"`

	// DefaultTimeout applies when a delegate call passes no timeout.
	DefaultTimeout Duration `koanf:"default_timeout"`
}

// HTTPConfig controls the inspection HTTP server.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// NATSConfig controls optional transcript event publishing.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// DefaultConfig returns a config with production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: *logging.NewDefaultConfig(),
		Loop: LoopConfig{
			MaxRetries: 3,
			RunTimeout: Duration(30 * time.Minute),
			Permission: string(permission.ModeAcceptEdits),
			Thresholds: map[string]float64{
				"branch": 0.80,
				"lines":  0.85,
			},
			MinConfidence: 0.2,
		},
		Subagent: SubagentConfig{
			MaxDepth:       2,
			DefaultTimeout: Duration(5 * time.Minute),
		},
		HTTP: HTTPConfig{
			Addr: ":9464",
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://localhost:4222",
		},
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Loop.MaxRetries < 0 {
		return fmt.Errorf("loop.max_retries cannot be negative: %d", c.Loop.MaxRetries)
	}
	if _, err := permission.Parse(c.Loop.Permission); err != nil {
		return fmt.Errorf("loop.permission: %w", err)
	}
	for name, floor := range c.Loop.Thresholds {
		if floor < 0.0 || floor > 1.0 {
			return fmt.Errorf("loop.thresholds[%s] must be within [0.0, 1.0]: %f", name, floor)
		}
	}
	if c.Loop.MinConfidence < 0.0 || c.Loop.MinConfidence > 1.0 {
		return fmt.Errorf("loop.min_confidence must be within [0.0, 1.0]: %f", c.Loop.MinConfidence)
	}
	if c.Subagent.MaxDepth < 1 {
		return fmt.Errorf("subagent.max_depth must be at least 1: %d", c.Subagent.MaxDepth)
	}
	if c.Subagent.DefaultTimeout.Duration() <= 0 {
		return fmt.Errorf("subagent.default_timeout must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	return nil
}

// PermissionMode returns the validated run permission mode.
func (c *Config) PermissionMode() permission.Mode {
	m, err := permission.Parse(c.Loop.Permission)
	if err != nil {
		return permission.ModePlan
	}
	return m
}
