// Package config loads the transfer configuration: the source wiki, the
// target wikis, the push history backend and run defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/history"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/target"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/wiki"
)

// Environment variables read by Load.
const (
	EnvConfigPath  = "CONTENTTRANSFER_CONFIG"
	EnvHistoryDSN  = "CONTENTTRANSFER_HISTORY_DSN"
	EnvLogLevel    = "LOG_LEVEL"
	EnvMetricsAddr = "METRICS_ADDR"
)

// DefaultTimeout leaves room for large file uploads.
const DefaultTimeout = 5 * time.Minute

// History selects the push history backend.
type History struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Transfer holds defaults for transfer runs.
type Transfer struct {
	IncludeRelated  bool   `yaml:"include_related"`
	OnlyModified    bool   `yaml:"only_modified"`
	OnFailure       string `yaml:"on_failure"`
	ParallelTargets bool   `yaml:"parallel_targets"`
	// User is the source wiki user recorded in the push history.
	User            string `yaml:"user"`
}

// Log configures logging. File is only used by the batch CLI.
type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the whole configuration file.
type Config struct {
	Source      wiki.Config            `yaml:"source"`
	Targets     map[string]target.Spec `yaml:"targets"`
	History     History                `yaml:"history"`
	Transfer    Transfer               `yaml:"transfer"`
	Log         Log                    `yaml:"log"`
	MetricsAddr string                 `yaml:"metrics_addr"`
}

// Default returns a configuration with defaults and no wikis.
func Default() *Config {
	return &Config{
		Source: wiki.Config{
			Timeout:    DefaultTimeout,
			MaxRetries: 3,
		},
		Targets: map[string]target.Spec{},
		History: History{
			Driver: history.DriverBadger,
			Path:   history.DefaultPath,
		},
		Transfer: Transfer{OnFailure: "skip"},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the YAML file at path, or at $CONTENTTRANSFER_CONFIG when
// path is empty, applies environment overrides and validates the result.
// Without any file the configuration comes from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.Parse(data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the current values.
func (c *Config) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	if c.Targets == nil {
		c.Targets = map[string]target.Spec{}
	}
	return nil
}

// ApplyEnv overrides fields with the environment variables that are set.
func (c *Config) ApplyEnv() {
	c.Source.ApplyEnv()
	if v := os.Getenv(EnvHistoryDSN); v != "" {
		c.History.DSN = v
		c.History.Driver = history.DriverPostgres
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.MetricsAddr = v
	}
}

// Validate checks that the configuration can be used for a run.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		errs = append(errs, errors.New("source.url (or MEDIAWIKI_URL) is required"))
	}
	if len(c.Targets) == 0 {
		errs = append(errs, errors.New("at least one target is required"))
	}
	if _, err := target.NewManager(c.Targets); err != nil {
		errs = append(errs, err)
	}
	switch c.History.Driver {
	case "", history.DriverBadger, history.DriverMemory:
	case history.DriverPostgres:
		if c.History.DSN == "" {
			errs = append(errs, errors.New("history.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history driver %q", c.History.Driver))
	}
	switch c.Transfer.OnFailure {
	case "", "skip", "force", "stop", "ask":
	default:
		errs = append(errs, fmt.Errorf("transfer.on_failure must be skip, force, stop or ask, got %q", c.Transfer.OnFailure))
	}
	return errors.Join(errs...)
}

// TargetManager builds the target manager from the configured targets.
func (c *Config) TargetManager() (*target.Manager, error) {
	return target.NewManager(c.Targets)
}

// OpenHistory opens the configured push history store.
func (c *Config) OpenHistory(ctx context.Context) (*history.Store, error) {
	backend, err := history.Open(ctx, c.History.Driver, c.History.Path, c.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open push history: %w", err)
	}
	return history.NewStore(backend), nil
}

// LogLevel returns the configured slog level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
