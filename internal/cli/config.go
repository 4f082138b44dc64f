package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Dispatcher struct {
		Capacity         int           `yaml:"capacity"`
		Slots            int           `yaml:"slots"`
		JobTimeout       time.Duration `yaml:"job_timeout"`
		PriorityUniverse bool          `yaml:"priority_universe"`
	} `yaml:"dispatcher"`

	Executor struct {
		Kind        string        `yaml:"kind"`
		MaxDuration time.Duration `yaml:"max_duration"`
	} `yaml:"executor"`

	Generator struct {
		Jobs int   `yaml:"jobs"`
		Seed int64 `yaml:"seed"`
	} `yaml:"generator"`

	Server struct {
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Report struct {
		Path string `yaml:"path"`
	} `yaml:"report"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Executor kinds
const (
	ExecutorLog       = "log"
	ExecutorSimulated = "simulated"
)

// DefaultConfig returns the values used for keys missing from the file.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Dispatcher.Capacity = 100
	cfg.Dispatcher.JobTimeout = 5 * time.Second
	cfg.Dispatcher.PriorityUniverse = true
	cfg.Executor.Kind = ExecutorLog
	cfg.Executor.MaxDuration = 50 * time.Millisecond
	cfg.Generator.Jobs = 100
	cfg.Server.GRPCAddr = ":50051"
	cfg.Metrics.Addr = ":9090"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.Dispatcher.Capacity < 1 {
		errs = append(errs, fmt.Errorf("dispatcher.capacity must be at least 1, got %d", c.Dispatcher.Capacity))
	}
	if c.Dispatcher.Slots < 0 {
		errs = append(errs, fmt.Errorf("dispatcher.slots must not be negative, got %d", c.Dispatcher.Slots))
	}
	if c.Dispatcher.JobTimeout < 0 {
		errs = append(errs, fmt.Errorf("dispatcher.job_timeout must not be negative, got %s", c.Dispatcher.JobTimeout))
	}
	switch c.Executor.Kind {
	case ExecutorLog, ExecutorSimulated:
	default:
		errs = append(errs, fmt.Errorf("executor.kind must be %q or %q, got %q", ExecutorLog, ExecutorSimulated, c.Executor.Kind))
	}
	if c.Generator.Jobs < 0 {
		errs = append(errs, fmt.Errorf("generator.jobs must not be negative, got %d", c.Generator.Jobs))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// loadConfig reads path on top of DefaultConfig.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// newLogger builds the process logger from the log section.
func newLogger(c *Config, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.Log.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
}
