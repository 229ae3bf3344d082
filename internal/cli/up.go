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

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tombee/mcpool/internal/config"
	"github.com/tombee/mcpool/internal/discovery"
	"github.com/tombee/mcpool/internal/launcher"
	"github.com/tombee/mcpool/internal/log"
	"github.com/tombee/mcpool/internal/pool"
)

func newUpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Launch auto-start servers and keep the pool running",
		Long: `Launch every server marked auto_start, discover its capabilities, and
keep the pool running until interrupted. The config file is watched; newly
added auto-start servers are launched on reload.`,
		RunE: runUp,
	}
	cmd.Flags().String("metrics", "", "Address to serve Prometheus metrics on (e.g. :9090), empty disables")
	cmd.Flags().Bool("watch", true, "Reload the config file on change")
	return cmd
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, registry := setupMetrics(cmd)

	l := launcher.New(launcher.Options{
		LaunchTimeout:  cfg.Pool.LaunchTimeout,
		HealthTimeout:  cfg.Pool.HealthTimeout,
		HealthInterval: cfg.Pool.HealthInterval,
		HealthRetries:  cfg.Pool.HealthRetries,
		StopTimeout:    cfg.Pool.StopTimeout,
		LogLines:       cfg.Pool.LogLines,
		Logger:         log.WithComponent(logger, "launcher"),
	})
	d := discovery.New(discovery.Options{
		Timeout:       cfg.Pool.DiscoveryTimeout,
		ClientVersion: version,
		Logger:        log.WithComponent(logger, "discovery"),
	})
	p := pool.New(pool.Options{
		Launcher:   l,
		Discoverer: d,
		Logger:     log.WithComponent(logger, "pool"),
		Metrics:    metrics,
	})
	pool.SetDefault(p)
	defer pool.ResetDefault()

	// The CLI itself acts as one session holding the auto-start servers.
	sessionID := uuid.NewString()
	logger.Info("pool session started", log.SessionKey, sessionID, "config", cfgPath)

	startAutoStart(ctx, p, cfg, sessionID, logger)

	if watch, _ := cmd.Flags().GetBool("watch"); watch && cfgPath != "" {
		w, err := config.NewWatcher(cfgPath, log.WithComponent(logger, "config"), func(next *config.Config) {
			startAutoStart(ctx, p, next, sessionID, logger)
		})
		if err != nil {
			logger.Warn("config watching disabled", log.Error(err))
		} else {
			go w.Run(ctx)
		}
	}

	if registry != nil {
		serveMetrics(ctx, cmd, registry, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down", log.SessionKey, sessionID)
	p.ReleaseSessionServers(sessionID)
	return nil
}

// setupMetrics builds the pool metrics when --metrics is set.
func setupMetrics(cmd *cobra.Command) (*pool.Metrics, *prometheus.Registry) {
	addr, _ := cmd.Flags().GetString("metrics")
	if addr == "" {
		return nil, nil
	}
	registry := prometheus.NewRegistry()
	return pool.NewMetrics(registry), registry
}

// serveMetrics exposes the registry over HTTP until ctx is cancelled.
func serveMetrics(ctx context.Context, cmd *cobra.Command, registry *prometheus.Registry, logger *slog.Logger) {
	addr, _ := cmd.Flags().GetString("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", log.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

// startAutoStart brings up every auto-start server not yet pooled,
// registering each under the CLI session. Failures are logged per server so
// one broken config entry does not block the rest.
func startAutoStart(ctx context.Context, p *pool.Pool, cfg *config.Config, sessionID string, logger *slog.Logger) {
	var wg sync.WaitGroup
	for name, server := range cfg.Servers {
		if !server.AutoStart || p.HasServer(name) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := p.GetOrCreateServer(ctx, name, launcher.Config{
				Command: server.Command,
				Args:    server.Args,
				Env:     server.Env,
			})
			if err != nil {
				logger.Error("auto-start failed", log.ServerKey, name, log.Error(err))
				return
			}
			p.RegisterSessionServer(sessionID, name)
			fmt.Printf("started %s (%d tools, %d resources)\n",
				name, len(entry.Capabilities.Tools), len(entry.Capabilities.Resources))
		}()
	}
	wg.Wait()
}
