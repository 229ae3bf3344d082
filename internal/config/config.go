// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the mcpool configuration: the registry
// of launchable tool servers plus pool and logging settings. Configuration
// comes from a YAML file with environment variable overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// serverNameRe restricts server names to shell- and metric-safe identifiers.
var serverNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Config is the complete mcpool configuration.
type Config struct {
	Log  LogConfig  `yaml:"log"`
	Pool PoolConfig `yaml:"pool"`

	// Servers is the registry of launchable tool servers, keyed by name.
	Servers map[string]ServerConfig `yaml:"servers,omitempty"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// PoolConfig configures launch, health check, and discovery timing.
type PoolConfig struct {
	// LaunchTimeout bounds one complete launch (spawn through health check).
	// Environment: MCPOOL_LAUNCH_TIMEOUT
	// Default: 15s
	LaunchTimeout time.Duration `yaml:"launch_timeout,omitempty"`

	// HealthTimeout bounds the health check phase on its own.
	// Environment: MCPOOL_HEALTH_TIMEOUT
	// Default: 10s
	HealthTimeout time.Duration `yaml:"health_timeout,omitempty"`

	// HealthInterval is the pause between health probe attempts.
	// Environment: MCPOOL_HEALTH_INTERVAL
	// Default: 2s
	HealthInterval time.Duration `yaml:"health_interval,omitempty"`

	// HealthRetries is the number of health probe attempts.
	// Default: 3
	HealthRetries int `yaml:"health_retries,omitempty"`

	// StopTimeout is how long a graceful stop waits before escalating to a
	// forced kill.
	// Environment: MCPOOL_STOP_TIMEOUT
	// Default: 5s
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`

	// DiscoveryTimeout bounds the capability handshake per server.
	// Environment: MCPOOL_DISCOVERY_TIMEOUT
	// Default: 30s
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout,omitempty"`

	// LogLines is how many recent stderr lines to keep per server.
	// Default: 1000
	LogLines int `yaml:"log_lines,omitempty"`
}

// ServerConfig defines one launchable tool server.
type ServerConfig struct {
	// Command is the executable to spawn.
	Command string `yaml:"command"`

	// Args are the command arguments.
	Args []string `yaml:"args,omitempty"`

	// Env is merged over the parent environment.
	Env map[string]string `yaml:"env,omitempty"`

	// AutoStart launches the server at startup instead of on first use.
	AutoStart bool `yaml:"auto_start,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Pool: PoolConfig{
			LaunchTimeout:    15 * time.Second,
			HealthTimeout:    10 * time.Second,
			HealthInterval:   2 * time.Second,
			HealthRetries:    3,
			StopTimeout:      5 * time.Second,
			DiscoveryTimeout: 30 * time.Second,
			LogLines:         1000,
		},
		Servers: make(map[string]ServerConfig),
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables take precedence over file-based configuration.
// If path is empty, only defaults and environment variables are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults, so minimal
// configs (e.g. just a servers map) work without specifying every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Pool.LaunchTimeout == 0 {
		c.Pool.LaunchTimeout = defaults.Pool.LaunchTimeout
	}
	if c.Pool.HealthTimeout == 0 {
		c.Pool.HealthTimeout = defaults.Pool.HealthTimeout
	}
	if c.Pool.HealthInterval == 0 {
		c.Pool.HealthInterval = defaults.Pool.HealthInterval
	}
	if c.Pool.HealthRetries == 0 {
		c.Pool.HealthRetries = defaults.Pool.HealthRetries
	}
	if c.Pool.StopTimeout == 0 {
		c.Pool.StopTimeout = defaults.Pool.StopTimeout
	}
	if c.Pool.DiscoveryTimeout == 0 {
		c.Pool.DiscoveryTimeout = defaults.Pool.DiscoveryTimeout
	}
	if c.Pool.LogLines == 0 {
		c.Pool.LogLines = defaults.Pool.LogLines
	}

	if c.Servers == nil {
		c.Servers = make(map[string]ServerConfig)
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("MCPOOL_LAUNCH_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Pool.LaunchTimeout = duration
		}
	}
	if val := os.Getenv("MCPOOL_HEALTH_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Pool.HealthTimeout = duration
		}
	}
	if val := os.Getenv("MCPOOL_HEALTH_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Pool.HealthInterval = duration
		}
	}
	if val := os.Getenv("MCPOOL_STOP_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Pool.StopTimeout = duration
		}
	}
	if val := os.Getenv("MCPOOL_DISCOVERY_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Pool.DiscoveryTimeout = duration
		}
	}
	if val := os.Getenv("MCPOOL_LOG_LINES"); val != "" {
		if lines, err := strconv.Atoi(val); err == nil && lines > 0 {
			c.Pool.LogLines = lines
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Pool.LaunchTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("pool.launch_timeout must be positive, got %v", c.Pool.LaunchTimeout))
	}
	if c.Pool.HealthTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("pool.health_timeout must be positive, got %v", c.Pool.HealthTimeout))
	}
	if c.Pool.HealthInterval <= 0 {
		errs = append(errs, fmt.Sprintf("pool.health_interval must be positive, got %v", c.Pool.HealthInterval))
	}
	if c.Pool.HealthRetries <= 0 {
		errs = append(errs, fmt.Sprintf("pool.health_retries must be positive, got %d", c.Pool.HealthRetries))
	}
	if c.Pool.StopTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("pool.stop_timeout must be positive, got %v", c.Pool.StopTimeout))
	}
	if c.Pool.DiscoveryTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("pool.discovery_timeout must be positive, got %v", c.Pool.DiscoveryTimeout))
	}

	for name, server := range c.Servers {
		if !serverNameRe.MatchString(name) {
			errs = append(errs, fmt.Sprintf("servers[%q]: name must match %s", name, serverNameRe.String()))
		}
		if server.Command == "" {
			errs = append(errs, fmt.Sprintf("servers[%q]: command is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// Save writes the configuration to path atomically: the YAML is written to a
// temp file in the same directory and renamed into place.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace config: %w", err)
	}

	return nil
}

// ConfigDir returns the XDG config directory for mcpool, creating it if
// needed. Respects XDG_CONFIG_HOME.
func ConfigDir() (string, error) {
	var base string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}

	configDir := filepath.Join(base, "mcpool")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", err
	}

	return configDir, nil
}

// ConfigPath returns the full path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
