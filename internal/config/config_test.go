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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 15*time.Second, cfg.Pool.LaunchTimeout)
	assert.Equal(t, 10*time.Second, cfg.Pool.HealthTimeout)
	assert.Equal(t, 2*time.Second, cfg.Pool.HealthInterval)
	assert.Equal(t, 3, cfg.Pool.HealthRetries)
	assert.Equal(t, 5*time.Second, cfg.Pool.StopTimeout)
	assert.Equal(t, 30*time.Second, cfg.Pool.DiscoveryTimeout)
	assert.Equal(t, 1000, cfg.Pool.LogLines)
	assert.Empty(t, cfg.Servers)
}

func TestLoad_MinimalFile(t *testing.T) {
	path := writeConfig(t, `
servers:
  mock:
    command: mock-server
    args: ["--stdio"]
    env:
      MOCK_MODE: full
    auto_start: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Unspecified sections keep their defaults.
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 15*time.Second, cfg.Pool.LaunchTimeout)

	require.Contains(t, cfg.Servers, "mock")
	server := cfg.Servers["mock"]
	assert.Equal(t, "mock-server", server.Command)
	assert.Equal(t, []string{"--stdio"}, server.Args)
	assert.Equal(t, map[string]string{"MOCK_MODE": "full"}, server.Env)
	assert.True(t, server.AutoStart)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: text
pool:
  launch_timeout: 3s
  health_retries: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 3*time.Second, cfg.Pool.LaunchTimeout)
	assert.Equal(t, 5, cfg.Pool.HealthRetries)
	// Untouched fields keep defaults.
	assert.Equal(t, 10*time.Second, cfg.Pool.HealthTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
pool:
  launch_timeout: 3s
`)

	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("MCPOOL_LAUNCH_TIMEOUT", "7s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 7*time.Second, cfg.Pool.LaunchTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "servers: [not: a: map")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "negative launch timeout",
			mutate:  func(c *Config) { c.Pool.LaunchTimeout = -time.Second },
			wantErr: "pool.launch_timeout",
		},
		{
			name: "server without command",
			mutate: func(c *Config) {
				c.Servers["mock"] = ServerConfig{}
			},
			wantErr: "command is required",
		},
		{
			name: "server name with spaces",
			mutate: func(c *Config) {
				c.Servers["my server"] = ServerConfig{Command: "x"}
			},
			wantErr: "name must match",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Log.Level = "debug"
	cfg.Servers["mock"] = ServerConfig{
		Command: "mock-server",
		Args:    []string{"--stdio"},
	}
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.Log.Level)
	assert.Equal(t, cfg.Servers["mock"], loaded.Servers["mock"])
}

func TestSave_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, Default().Save(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.yaml", entries[0].Name())
}

func TestConfigDir_RespectsXDG(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	dir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "mcpool"), dir)
	assert.DirExists(t, dir)

	path, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), path)
}
