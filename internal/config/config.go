// Package config handles claude-memd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.claude-mem/config.yaml, /etc/claude-memd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".claude-mem", "config.yaml"))
	}

	paths = append(paths, "/etc/claude-memd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns an empty path (not an error) when nothing was found — the daemon
// runs fine on defaults.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all claude-memd configuration.
type Config struct {
	Listen   ListenConfig `yaml:"listen"`
	DataDir  string       `yaml:"data_dir"`
	Settings string       `yaml:"settings_file"`
	LogLevel string       `yaml:"log_level"`
	Queue    QueueConfig  `yaml:"queue"`
	Worker   WorkerConfig `yaml:"worker"`
	Reaper   ReaperConfig `yaml:"reaper"`
	Mode     string       `yaml:"mode"`
}

// ListenConfig defines the intake HTTP server settings. The server binds
// to loopback only; hooks run on the same host.
type ListenConfig struct {
	Address string `yaml:"address"` // Default: 127.0.0.1
	Port    int    `yaml:"port"`    // Default: 37777
}

// QueueConfig tunes the durable event queue.
type QueueConfig struct {
	// MaxRetries is the retry budget per raw row before it lands in
	// the failed bucket. Default: 3.
	MaxRetries int `yaml:"max_retries"`
	// RetentionMinutes is how long completed rows are kept before
	// garbage collection. Default: 60.
	RetentionMinutes int `yaml:"retention_minutes"`
}

// WorkerConfig tunes the summarization workers.
type WorkerConfig struct {
	// TickSeconds is the poll interval for both workers. Default: 10.
	TickSeconds int `yaml:"tick_seconds"`
	// EventBatchSize is the max tool events claimed per tick. Default: 10.
	EventBatchSize int `yaml:"event_batch_size"`
	// SummaryBatchSize is the max summary requests claimed per tick. Default: 5.
	SummaryBatchSize int `yaml:"summary_batch_size"`
	// StallMinutes is the age after which a summarizing row is presumed
	// abandoned and released back to pending. Default: 5.
	StallMinutes int `yaml:"stall_minutes"`
}

// ReaperConfig tunes the orphaned-subprocess reaper.
type ReaperConfig struct {
	// IntervalMinutes between scans. Default: 5.
	IntervalMinutes int `yaml:"interval_minutes"`
	// MaxAgeMinutes a matching process may run before it is considered
	// orphaned. Default: 30.
	MaxAgeMinutes int `yaml:"max_age_minutes"`
	// Signature is the command-line substring that identifies agent
	// subprocesses. Default: "claude".
	Signature string `yaml:"signature"`
}

// Load reads configuration from a YAML file, expanding environment
// variables in the raw document before unmarshal.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 37777
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".claude-mem")
		} else {
			c.DataDir = ".claude-mem"
		}
	}
	if c.Settings == "" {
		c.Settings = filepath.Join(c.DataDir, "settings.json")
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.RetentionMinutes <= 0 {
		c.Queue.RetentionMinutes = 60
	}
	if c.Worker.TickSeconds <= 0 {
		c.Worker.TickSeconds = 10
	}
	if c.Worker.EventBatchSize <= 0 {
		c.Worker.EventBatchSize = 10
	}
	if c.Worker.SummaryBatchSize <= 0 {
		c.Worker.SummaryBatchSize = 5
	}
	if c.Worker.StallMinutes <= 0 {
		c.Worker.StallMinutes = 5
	}
	if c.Reaper.IntervalMinutes <= 0 {
		c.Reaper.IntervalMinutes = 5
	}
	if c.Reaper.MaxAgeMinutes <= 0 {
		c.Reaper.MaxAgeMinutes = 30
	}
	if c.Reaper.Signature == "" {
		c.Reaper.Signature = "claude"
	}
	if c.Mode == "" {
		c.Mode = "default"
	}
}

// DatabasePath returns the path of the single embedded store file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "claude-mem.db")
}

// Retention returns the completed-row retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Queue.RetentionMinutes) * time.Minute
}
