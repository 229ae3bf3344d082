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

// Package pool caches discovered tool servers and tracks which logical
// sessions reference them, so a server is launched at most once while any
// session needs it and torn down deterministically when the last session
// releases it.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tombee/mcpool/internal/discovery"
	"github.com/tombee/mcpool/internal/launcher"
)

// Launcher is the slice of the launcher surface the pool composes.
type Launcher interface {
	Launch(ctx context.Context, name string, cfg launcher.Config) (*launcher.Process, error)
	Cleanup(name string)
	StopAll() error
	Subscribe(fn func(launcher.Event))
}

// Discoverer is the slice of the discovery surface the pool composes.
type Discoverer interface {
	Discover(ctx context.Context, name string, proc *launcher.Process) (*discovery.Result, error)
}

// Entry is one cached server: its process, live protocol client, and
// discovered capabilities. Immutable once populated.
type Entry struct {
	// Process is the supervised subprocess.
	Process *launcher.Process

	// Client is the live protocol client for tool invocation.
	Client discovery.ProtocolClient

	// Capabilities is the normalized capability set.
	Capabilities discovery.Capabilities
}

// ErrRestartUnsupported is returned by RestartServer. Restart semantics
// (whether existing sessions keep their references, and whether capabilities
// are rediscovered) are not settled, so restarts are refused rather than
// guessed at.
var ErrRestartUnsupported = errors.New("server restart is not supported")

// Options configures a Pool.
type Options struct {
	// Launcher spawns and supervises server processes. Required.
	Launcher Launcher

	// Discoverer performs the capability handshake. Required.
	Discoverer Discoverer

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// Metrics receives pool metrics (optional).
	Metrics *Metrics
}

// Pool composes a Launcher and a Discoverer behind a per-name single-flight
// cache with session reference tracking.
type Pool struct {
	launcher   Launcher
	discoverer Discoverer
	logger     *slog.Logger
	metrics    *Metrics

	group singleflight.Group

	mu             sync.RWMutex
	entries        map[string]*Entry
	serverSessions map[string]map[string]struct{}
	sessionServers map[string]map[string]struct{}
}

// New creates a Pool. It subscribes to the launcher's lifecycle events so a
// crashed server's cache entry and memberships are dropped with it.
func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		launcher:       opts.Launcher,
		discoverer:     opts.Discoverer,
		logger:         logger,
		metrics:        opts.Metrics,
		entries:        make(map[string]*Entry),
		serverSessions: make(map[string]map[string]struct{}),
		sessionServers: make(map[string]map[string]struct{}),
	}

	p.launcher.Subscribe(func(ev launcher.Event) {
		if ev.Type == launcher.EventCrashed {
			p.evict(ev.Server)
		}
	})

	return p
}

// GetOrCreateServer returns the cached entry for name, or launches and
// discovers the server exactly once. Concurrent first callers for the same
// uncached name share a single launch and discovery.
func (p *Pool) GetOrCreateServer(ctx context.Context, name string, cfg launcher.Config) (*Entry, error) {
	p.mu.RLock()
	entry, cached := p.entries[name]
	p.mu.RUnlock()
	if cached {
		return entry, nil
	}

	v, err, _ := p.group.Do(name, func() (any, error) {
		// A concurrent winner may have populated the cache already.
		p.mu.RLock()
		entry, cached := p.entries[name]
		p.mu.RUnlock()
		if cached {
			return entry, nil
		}

		return p.createServer(ctx, name, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// createServer launches and discovers one server, keeping launch and cache
// consistent: on any failure the process is cleaned up and no entry remains.
func (p *Pool) createServer(ctx context.Context, name string, cfg launcher.Config) (*Entry, error) {
	proc, err := p.launcher.Launch(ctx, name, cfg)
	if err != nil {
		p.metrics.launchFailed()
		return nil, err
	}

	start := time.Now()
	result, err := p.discoverer.Discover(ctx, name, proc)
	if err != nil {
		p.launcher.Cleanup(name)
		p.metrics.launchFailed()
		return nil, err
	}
	p.metrics.discovered(time.Since(start))

	entry := &Entry{
		Process:      proc,
		Client:       result.Client,
		Capabilities: result.Capabilities,
	}

	p.mu.Lock()
	p.entries[name] = entry
	if p.serverSessions[name] == nil {
		p.serverSessions[name] = make(map[string]struct{})
	}
	p.mu.Unlock()

	p.metrics.serverAdded()
	p.logger.Info("server pooled",
		"server", name,
		"pid", proc.PID(),
		"tools", len(entry.Capabilities.Tools),
		"resources", len(entry.Capabilities.Resources),
	)

	return entry, nil
}

// RegisterSessionServer records that sessionID references name. The pair is
// added to both membership sets.
func (p *Pool) RegisterSessionServer(sessionID, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.serverSessions[name] == nil {
		p.serverSessions[name] = make(map[string]struct{})
	}
	p.serverSessions[name][sessionID] = struct{}{}

	if p.sessionServers[sessionID] == nil {
		p.sessionServers[sessionID] = make(map[string]struct{})
	}
	p.sessionServers[sessionID][name] = struct{}{}
}

// ReleaseSessionServers drops every reference held by sessionID. Servers left
// with no referencing session are torn down synchronously and purged from
// every cache.
func (p *Pool) ReleaseSessionServers(sessionID string) {
	p.mu.Lock()
	names := p.sessionServers[sessionID]
	delete(p.sessionServers, sessionID)

	var teardown []string
	var orphaned []*Entry
	for name := range names {
		set := p.serverSessions[name]
		delete(set, sessionID)
		if len(set) == 0 {
			delete(p.serverSessions, name)
			if entry, exists := p.entries[name]; exists {
				orphaned = append(orphaned, entry)
			}
			delete(p.entries, name)
			teardown = append(teardown, name)
		}
	}
	p.mu.Unlock()

	for _, entry := range orphaned {
		if entry.Client != nil {
			_ = entry.Client.Close()
		}
	}
	for _, name := range teardown {
		p.launcher.Cleanup(name)
		p.metrics.serverRemoved()
		p.logger.Info("server released", "server", name, "session", sessionID)
	}
}

// HasServer reports whether name has a cached entry.
func (p *Pool) HasServer(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.entries[name]
	return exists
}

// GetSessionServers returns the names of the servers sessionID references,
// sorted.
func (p *Pool) GetSessionServers(sessionID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.sessionServers[sessionID])
}

// GetServerSessions returns the sessions referencing name, sorted.
func (p *Pool) GetServerSessions(name string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.serverSessions[name])
}

// RestartServer always fails with ErrRestartUnsupported.
func (p *Pool) RestartServer(name string) error {
	return ErrRestartUnsupported
}

// Reset tears down every server and clears all bookkeeping. Intended for
// tests and process shutdown.
func (p *Pool) Reset() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*Entry)
	p.serverSessions = make(map[string]map[string]struct{})
	p.sessionServers = make(map[string]map[string]struct{})
	p.mu.Unlock()

	for name, entry := range entries {
		if entry.Client != nil {
			_ = entry.Client.Close()
		}
		p.launcher.Cleanup(name)
		p.metrics.serverRemoved()
	}
	_ = p.launcher.StopAll()
}

// evict drops bookkeeping for a server the launcher already deregistered.
// The process is gone; only the cache and memberships need purging.
func (p *Pool) evict(name string) {
	p.mu.Lock()
	entry, exists := p.entries[name]
	delete(p.entries, name)
	for sessionID := range p.serverSessions[name] {
		delete(p.sessionServers[sessionID], name)
	}
	delete(p.serverSessions, name)
	p.mu.Unlock()

	if !exists {
		return
	}
	if entry.Client != nil {
		_ = entry.Client.Close()
	}
	p.metrics.serverRemoved()
	p.logger.Warn("crashed server evicted from pool", "server", name)
}

// sortedKeys returns the keys of set in sorted order, never nil.
func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
