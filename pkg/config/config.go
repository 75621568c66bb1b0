// Package config loads the daemon configuration: built-in defaults, then an
// optional YAML file, then RACELINE_* environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds everything racelined needs to run.
type Config struct {
	// ListenAddr is the HTTP bind address for the control API, the signal
	// stream and /metrics.
	ListenAddr string `yaml:"listen_addr" env:"RACELINE_LISTEN_ADDR"`

	// DataDir holds the signal ledger and the persisted sequence plans.
	DataDir string `yaml:"data_dir" env:"RACELINE_DATA_DIR"`

	// QueueSize bounds each stream subscriber's delivery queue. A subscriber
	// that falls this far behind is dropped and must resubscribe from its
	// cursor.
	QueueSize int `yaml:"queue_size" env:"RACELINE_QUEUE_SIZE"`

	// NoSync disables fsync on the stores. Throughput over durability; meant
	// for tests and local development only.
	NoSync bool `yaml:"no_sync" env:"RACELINE_NO_SYNC"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" env:"RACELINE_LOG_LEVEL"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format" env:"RACELINE_LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: ":8470",
		DataDir:    "data",
		QueueSize:  64,
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults and environment overrides apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr must not be empty", ErrInvalidConfig)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir must not be empty", ErrInvalidConfig)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("%w: queue_size must be at least 1, got %d", ErrInvalidConfig, c.QueueSize)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log_format %q", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

// SlogLevel maps LogLevel onto the slog scale. Call after Validate.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the daemon logger per LogFormat and LogLevel.
func (c Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
