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

// Package cli wires the mcpool commands together.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/mcpool/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// NewRootCommand creates the root Cobra command for mcpool.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcpool",
		Short: "mcpool - pooled stdio tool servers",
		Long: `mcpool launches stdio tool servers, discovers the tools and resources
they expose, and keeps them pooled so each server runs at most once while
anything still references it.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // main prints errors for proper exit codes
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: ~/.config/mcpool/config.yaml)")

	cmd.AddCommand(newUpCommand())
	cmd.AddCommand(newServersCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// loadConfig loads configuration honoring the --config flag. Without the
// flag, a missing file at the default location is not an error: defaults and
// environment variables apply.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}

	if path == "" {
		defaultPath, err := config.ConfigPath()
		if err != nil {
			return nil, "", err
		}
		if _, err := os.Stat(defaultPath); err == nil {
			path = defaultPath
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}
