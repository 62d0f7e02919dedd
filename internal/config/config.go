// Package config provides configuration loading using koanf.
// Precedence: process environment → dotenv file → compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/aelexs/gitops-hello/internal/domain"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Port is the TCP port the HTTP listener binds (PORT).
	Port int `koanf:"port"`

	Log      LogConfig      `koanf:"log"`
	Health   HealthConfig   `koanf:"health"`
	Shutdown ShutdownConfig `koanf:"shutdown"`
	OTEL     OTELConfig     `koanf:"otel"`
	Dotenv   DotenvConfig   `koanf:"dotenv"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`  // "debug", "info", "warn", "error"
	Format string `koanf:"format"` // "json" or "text"; empty picks by environment
}

// HealthConfig holds the readiness probe configuration.
type HealthConfig struct {
	Path string `koanf:"path"` // Empty disables the probe
}

// ShutdownConfig holds graceful shutdown timings.
type ShutdownConfig struct {
	Drain   time.Duration `koanf:"drain"`
	Timeout time.Duration `koanf:"timeout"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint string `koanf:"endpoint"` // Empty disables OTLP export
}

// DotenvConfig points at an optional dotenv file.
type DotenvConfig struct {
	File string `koanf:"file"`
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: domain.EnvLocal,
		Port:        domain.DefaultPort,
		Log: LogConfig{
			Level: "info",
		},
		Shutdown: ShutdownConfig{
			Drain:   domain.ShutdownDrainDelay,
			Timeout: domain.ShutdownHTTPTimeout,
		},
	}
}

// envKey maps an environment variable to a koanf key.
// Delimiter: _ maps to . for nested config (LOG_LEVEL → log.level).
// Empty values are dropped so that PORT= behaves like an unset PORT.
func envKey(key, value string) (string, interface{}) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	return strings.ReplaceAll(strings.ToLower(key), "_", "."), value
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. Dotenv file named by DOTENV_FILE, if any
// 3. Compiled defaults (lowest)
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()

	// Prefix: none (we use full names like LOG_LEVEL)
	envProvider := env.ProviderWithValue("", ".", envKey)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if path := k.String("dotenv.file"); path != "" {
		if err := k.Load(newDotenvProvider(path, envKey), nil); err != nil {
			return nil, fmt.Errorf("load dotenv file %s: %w", path, err)
		}
		// Environment overrides anything the file set.
		if err := k.Load(envProvider, nil); err != nil {
			return nil, fmt.Errorf("load env vars: %w", err)
		}
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks ranges and required fields.
// Any failure here aborts startup.
func validate(cfg *Config) error {
	if !domain.IsValidPort(cfg.Port) {
		return fmt.Errorf("%w: got %d", domain.ErrInvalidPort, cfg.Port)
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: log.format %q", domain.ErrInvalidConfig, cfg.Log.Format)
	}

	if p := cfg.Health.Path; p != "" && (!strings.HasPrefix(p, "/") || p == "/") {
		return fmt.Errorf("%w: health.path %q", domain.ErrInvalidConfig, p)
	}

	if cfg.Shutdown.Drain < 0 || cfg.Shutdown.Timeout <= 0 {
		return fmt.Errorf("%w: shutdown timings must be positive", domain.ErrInvalidConfig)
	}

	// Telemetry flush gets its own slice of the overall shutdown budget.
	if budget := domain.GracefulShutdownTimeout - domain.ShutdownOTELTimeout; cfg.Shutdown.Drain+cfg.Shutdown.Timeout > budget {
		return fmt.Errorf("%w: shutdown.drain + shutdown.timeout exceeds %v", domain.ErrInvalidConfig, budget)
	}

	if cfg.IsProd() && cfg.OTEL.Endpoint == "" {
		return fmt.Errorf("%w: otel.endpoint", domain.ErrConfigRequired)
	}

	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == domain.EnvLocal
}

// LogFormat returns the configured log format, defaulting to
// human-readable text locally and JSON everywhere else.
func (c *Config) LogFormat() string {
	if c.Log.Format != "" {
		return strings.ToLower(c.Log.Format)
	}
	if c.IsLocal() {
		return "text"
	}
	return "json"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == domain.EnvProd
}
