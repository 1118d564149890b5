// Package config handles configuration loading and validation for
// earshot devices.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/earshot/earshot/internal/estimator"
)

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default 127.0.0.1:9477
}

// EstimatorConfig holds the distance estimation tunables.
type EstimatorConfig struct {
	MeasuredPower    float64           `yaml:"measured_power"`     // reference RSSI at 1 m (dBm)
	PathLossExponent float64           `yaml:"path_loss_exponent"` // 2.0 free space, up to ~2.5 indoors
	ClampMax         float64           `yaml:"clamp_max"`          // distance ceiling in meters
	SmoothingWindow  int               `yaml:"smoothing_window"`
	SmoothingPolicy  string            `yaml:"smoothing_policy"` // "trim" or "stddev"
	Ladder           *estimator.Ladder `yaml:"ladder,omitempty"`
}

// VolumeConfig holds the distance-to-volume curve bounds.
type VolumeConfig struct {
	MinDistance float64 `yaml:"min_distance"`
	MaxDistance float64 `yaml:"max_distance"`
	MinVolume   float64 `yaml:"min_volume"`
	MaxVolume   float64 `yaml:"max_volume"`
}

// TimeoutsConfig holds the protocol timers as duration strings.
type TimeoutsConfig struct {
	Pairing   string `yaml:"pairing"`   // default "30s"
	Exchange  string `yaml:"exchange"`  // default "10s"
	Stale     string `yaml:"stale"`     // default "30s"
	Purge     string `yaml:"purge"`     // default "15s"
	Heartbeat string `yaml:"heartbeat"` // default "10s"
}

// Config holds configuration for an earshot device.
type Config struct {
	Name     string   `yaml:"name"`
	DataDir  string   `yaml:"data_dir"` // default ~/.earshot
	Listen   string   `yaml:"listen"`   // websocket listen address
	Peers    []string `yaml:"peers"`    // websocket peer URLs to dial
	LogLevel string   `yaml:"log_level"`

	Metrics   MetricsConfig   `yaml:"metrics"`
	Estimator EstimatorConfig `yaml:"estimator"`
	Volume    VolumeConfig    `yaml:"volume"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
}

// Load reads configuration from a YAML file and applies defaults. An
// empty path yields a default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Name = host
		} else {
			c.Name = "earshot"
		}
	}
	if c.DataDir == "" {
		c.DataDir = "~/.earshot"
	}
	if strings.HasPrefix(c.DataDir, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.Listen == "" {
		c.Listen = ":9476"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9477"
	}

	def := estimator.DefaultConfig()
	if c.Estimator.MeasuredPower == 0 {
		c.Estimator.MeasuredPower = def.MeasuredPower
	}
	if c.Estimator.PathLossExponent == 0 {
		c.Estimator.PathLossExponent = def.PathLossExponent
	}
	if c.Estimator.ClampMax == 0 {
		c.Estimator.ClampMax = def.ClampMax
	}
	if c.Estimator.SmoothingWindow == 0 {
		c.Estimator.SmoothingWindow = def.SmoothingWindow
	}
	if c.Estimator.SmoothingPolicy == "" {
		c.Estimator.SmoothingPolicy = string(def.SmoothingPolicy)
	}
	if c.Volume.MinDistance == 0 {
		c.Volume.MinDistance = def.MinDistance
	}
	if c.Volume.MaxDistance == 0 {
		c.Volume.MaxDistance = def.MaxDistance
	}
	if c.Volume.MinVolume == 0 {
		c.Volume.MinVolume = def.MinVolume
	}
	if c.Volume.MaxVolume == 0 {
		c.Volume.MaxVolume = def.MaxVolume
	}

	if c.Timeouts.Pairing == "" {
		c.Timeouts.Pairing = "30s"
	}
	if c.Timeouts.Exchange == "" {
		c.Timeouts.Exchange = "10s"
	}
	if c.Timeouts.Stale == "" {
		c.Timeouts.Stale = "30s"
	}
	if c.Timeouts.Purge == "" {
		c.Timeouts.Purge = "15s"
	}
	if c.Timeouts.Heartbeat == "" {
		c.Timeouts.Heartbeat = "10s"
	}
}

// EstimatorConfig builds the validated estimator configuration.
func (c *Config) EstimatorConfig() estimator.Config {
	out := estimator.DefaultConfig()
	out.MeasuredPower = c.Estimator.MeasuredPower
	out.PathLossExponent = c.Estimator.PathLossExponent
	out.ClampMax = c.Estimator.ClampMax
	out.SmoothingWindow = c.Estimator.SmoothingWindow
	out.SmoothingPolicy = estimator.SmoothingPolicy(c.Estimator.SmoothingPolicy)
	if c.Estimator.Ladder != nil {
		out.Ladder = *c.Estimator.Ladder
	}
	out.MinDistance = c.Volume.MinDistance
	out.MaxDistance = c.Volume.MaxDistance
	out.MinVolume = c.Volume.MinVolume
	out.MaxVolume = c.Volume.MaxVolume
	return out
}

// Timeout parses one of the Timeouts fields.
func parseTimeout(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s timeout %q: %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s timeout must be positive, got %q", name, value)
	}
	return d, nil
}

// PairingTimeout returns the parsed pairing timeout.
func (c *Config) PairingTimeout() (time.Duration, error) {
	return parseTimeout("pairing", c.Timeouts.Pairing)
}

// ExchangeTimeout returns the parsed token exchange timeout.
func (c *Config) ExchangeTimeout() (time.Duration, error) {
	return parseTimeout("exchange", c.Timeouts.Exchange)
}

// StaleTimeout returns the parsed stale-peer timeout.
func (c *Config) StaleTimeout() (time.Duration, error) {
	return parseTimeout("stale", c.Timeouts.Stale)
}

// PurgeInterval returns the parsed purge interval.
func (c *Config) PurgeInterval() (time.Duration, error) {
	return parseTimeout("purge", c.Timeouts.Purge)
}

// HeartbeatInterval returns the parsed heartbeat interval.
func (c *Config) HeartbeatInterval() (time.Duration, error) {
	return parseTimeout("heartbeat", c.Timeouts.Heartbeat)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := c.EstimatorConfig().Validate(); err != nil {
		return err
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"pairing", c.Timeouts.Pairing},
		{"exchange", c.Timeouts.Exchange},
		{"stale", c.Timeouts.Stale},
		{"purge", c.Timeouts.Purge},
		{"heartbeat", c.Timeouts.Heartbeat},
	} {
		if _, err := parseTimeout(field.name, field.value); err != nil {
			return err
		}
	}
	return nil
}
