// Package config loads engine configuration from YAML. Every tunable the
// engine honors is surfaced here; nothing is hardcoded at the call sites.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConcurrencyConfig configures per-resource-key admission limits.
type ConcurrencyConfig struct {
	// Limits maps exact resource keys to slot limits
	Limits map[string]int `yaml:"limits"`

	// Classes maps resource classes (key prefix before ':') to slot limits
	Classes map[string]int `yaml:"classes"`

	// DefaultLimit is the global fallback limit
	DefaultLimit int `yaml:"default_limit"`
}

// NotificationsConfig configures completion batching.
type NotificationsConfig struct {
	// BatchWindow is the per-scope accumulation window
	BatchWindow time.Duration `yaml:"batch_window"`

	// MaxBatchSize flushes a scope synchronously once reached
	MaxBatchSize int `yaml:"max_batch_size"`
}

// LifecycleConfig configures completion detection and timeouts.
type LifecycleConfig struct {
	// PollInterval is the tick interval for activity polling
	PollInterval time.Duration `yaml:"poll_interval"`

	// StabilityThreshold is the consecutive stable polls before completion
	StabilityThreshold int `yaml:"stability_threshold"`

	// MinStabilityTime is the minimum running time before stability completes
	MinStabilityTime time.Duration `yaml:"min_stability_time"`

	// TaskTTL forces a timeout error on tasks running longer than this
	TaskTTL time.Duration `yaml:"task_ttl"`

	// MinRuntimeBeforeStale delays staleness checks on young tasks
	MinRuntimeBeforeStale time.Duration `yaml:"min_runtime_before_stale"`
}

// RetryConfig configures the retry budget.
type RetryConfig struct {
	// MaxAttempts is the attempt budget before escalation
	MaxAttempts int `yaml:"max_attempts"`
}

// Config is the full engine configuration.
type Config struct {
	Concurrency   ConcurrencyConfig   `yaml:"concurrency"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Retry         RetryConfig         `yaml:"retry"`

	// CheckpointPath is where the restart-recovery snapshot is written
	// (empty disables checkpointing)
	CheckpointPath string `yaml:"checkpoint_path"`

	// HistoryDBPath is the SQLite outcome archive (empty disables it)
	HistoryDBPath string `yaml:"history_db_path"`

	// LogLevel sets logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config with the engine's default tuning.
func DefaultConfig() *Config {
	return &Config{
		Concurrency: ConcurrencyConfig{
			DefaultLimit: 5,
		},
		Notifications: NotificationsConfig{
			BatchWindow:  1000 * time.Millisecond,
			MaxBatchSize: 5,
		},
		Lifecycle: LifecycleConfig{
			PollInterval:          2 * time.Second,
			StabilityThreshold:    3,
			MinStabilityTime:      10 * time.Second,
			TaskTTL:               30 * time.Minute,
			MinRuntimeBeforeStale: 5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
		},
		CheckpointPath: ".maestro/checkpoint.json",
		HistoryDBPath:  ".maestro/history.db",
		LogLevel:       "info",
	}
}

// LoadConfig loads configuration from path, overlaying the defaults.
// A missing file returns the defaults without error; a malformed file is an
// error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Durations arrive as strings ("10s", "30m"); parse through an overlay.
	type yamlConfig struct {
		Concurrency struct {
			Limits       map[string]int `yaml:"limits"`
			Classes      map[string]int `yaml:"classes"`
			DefaultLimit *int           `yaml:"default_limit"`
		} `yaml:"concurrency"`
		Notifications struct {
			BatchWindow  string `yaml:"batch_window"`
			MaxBatchSize *int   `yaml:"max_batch_size"`
		} `yaml:"notifications"`
		Lifecycle struct {
			PollInterval          string `yaml:"poll_interval"`
			StabilityThreshold    *int   `yaml:"stability_threshold"`
			MinStabilityTime      string `yaml:"min_stability_time"`
			TaskTTL               string `yaml:"task_ttl"`
			MinRuntimeBeforeStale string `yaml:"min_runtime_before_stale"`
		} `yaml:"lifecycle"`
		Retry struct {
			MaxAttempts *int `yaml:"max_attempts"`
		} `yaml:"retry"`
		CheckpointPath *string `yaml:"checkpoint_path"`
		HistoryDBPath  *string `yaml:"history_db_path"`
		LogLevel       string  `yaml:"log_level"`
	}

	var overlay yamlConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if overlay.Concurrency.Limits != nil {
		cfg.Concurrency.Limits = overlay.Concurrency.Limits
	}
	if overlay.Concurrency.Classes != nil {
		cfg.Concurrency.Classes = overlay.Concurrency.Classes
	}
	if overlay.Concurrency.DefaultLimit != nil {
		cfg.Concurrency.DefaultLimit = *overlay.Concurrency.DefaultLimit
	}
	if overlay.Notifications.MaxBatchSize != nil {
		cfg.Notifications.MaxBatchSize = *overlay.Notifications.MaxBatchSize
	}
	if overlay.Lifecycle.StabilityThreshold != nil {
		cfg.Lifecycle.StabilityThreshold = *overlay.Lifecycle.StabilityThreshold
	}
	if overlay.Retry.MaxAttempts != nil {
		cfg.Retry.MaxAttempts = *overlay.Retry.MaxAttempts
	}
	if overlay.CheckpointPath != nil {
		cfg.CheckpointPath = *overlay.CheckpointPath
	}
	if overlay.HistoryDBPath != nil {
		cfg.HistoryDBPath = *overlay.HistoryDBPath
	}
	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}

	durations := []struct {
		raw    string
		target *time.Duration
		field  string
	}{
		{overlay.Notifications.BatchWindow, &cfg.Notifications.BatchWindow, "notifications.batch_window"},
		{overlay.Lifecycle.PollInterval, &cfg.Lifecycle.PollInterval, "lifecycle.poll_interval"},
		{overlay.Lifecycle.MinStabilityTime, &cfg.Lifecycle.MinStabilityTime, "lifecycle.min_stability_time"},
		{overlay.Lifecycle.TaskTTL, &cfg.Lifecycle.TaskTTL, "lifecycle.task_ttl"},
		{overlay.Lifecycle.MinRuntimeBeforeStale, &cfg.Lifecycle.MinRuntimeBeforeStale, "lifecycle.min_runtime_before_stale"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", d.field, err)
		}
		*d.target = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for nonsensical values.
func (c *Config) Validate() error {
	if c.Concurrency.DefaultLimit < 0 {
		return fmt.Errorf("concurrency.default_limit cannot be negative")
	}
	for key, limit := range c.Concurrency.Limits {
		if limit <= 0 {
			return fmt.Errorf("concurrency.limits[%s] must be positive", key)
		}
	}
	if c.Notifications.MaxBatchSize < 0 {
		return fmt.Errorf("notifications.max_batch_size cannot be negative")
	}
	if c.Lifecycle.StabilityThreshold < 0 {
		return fmt.Errorf("lifecycle.stability_threshold cannot be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts cannot be negative")
	}
	return nil
}
