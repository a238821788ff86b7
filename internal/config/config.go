// Package config loads the CLI's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/isokit/procpool/pkg/pool"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// WorkerConfig declares one worker class and its pool options
type WorkerConfig struct {
	Class   string   `yaml:"class"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	MinInstances        int      `yaml:"min_instances"`
	MaxInstances        int      `yaml:"max_instances"`
	Timeout             Duration `yaml:"timeout"`
	AutoRestart         bool     `yaml:"auto_restart"`
	RestartDelay        Duration `yaml:"restart_delay"`
	MaxRestartAttempts  int      `yaml:"max_restart_attempts"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
}

// PoolOptions converts the YAML fields to pool options, leaving zero
// values to the pool's own defaulting.
func (w *WorkerConfig) PoolOptions() pool.Options {
	return pool.Options{
		Name:                w.Class,
		MinInstances:        w.MinInstances,
		MaxInstances:        w.MaxInstances,
		Timeout:             w.Timeout.Std(),
		AutoRestart:         w.AutoRestart,
		RestartDelay:        w.RestartDelay.Std(),
		MaxRestartAttempts:  w.MaxRestartAttempts,
		HealthCheckInterval: w.HealthCheckInterval.Std(),
	}
}

// Config is the complete CLI configuration
type Config struct {
	Metrics MetricsConfig  `yaml:"metrics"`
	Workers []WorkerConfig `yaml:"workers"`
}

// Load reads and validates a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects incomplete worker declarations
func (c *Config) Validate() error {
	if len(c.Workers) == 0 {
		return fmt.Errorf("config declares no workers")
	}

	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.Class == "" {
			return fmt.Errorf("workers[%d]: class must not be empty", i)
		}
		if w.Command == "" {
			return fmt.Errorf("workers[%d] (%s): command must not be empty", i, w.Class)
		}
		if seen[w.Class] {
			return fmt.Errorf("workers[%d]: duplicate class %q", i, w.Class)
		}
		seen[w.Class] = true

		opts := w.PoolOptions()
		if err := opts.Normalize(); err != nil {
			return fmt.Errorf("workers[%d] (%s): %w", i, w.Class, err)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics: port must be in 1..65535")
	}
	return nil
}
