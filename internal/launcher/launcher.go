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

// Package launcher spawns and supervises stdio tool-server subprocesses.
//
// A launch proceeds through three phases: spawn, readiness, health. The child
// is spawned with its stdio piped, readiness is detected by a marker substring
// on the diagnostic stream, and a bounded liveness check confirms the OS
// process responds before it is handed to discovery. Every failure on that
// path tears the partially started process down before the error is returned,
// so a failed Launch never leaks a subprocess.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Config describes how to spawn one tool server. It is immutable once passed
// to Launch.
type Config struct {
	// Command is the executable to run.
	Command string

	// Args are the command-line arguments.
	Args []string

	// Env are environment variables merged over the current process
	// environment.
	Env map[string]string
}

// Default bounds for the launch path.
const (
	// DefaultLaunchTimeout bounds the wait for the readiness marker.
	DefaultLaunchTimeout = 15 * time.Second
	// DefaultHealthTimeout bounds the whole health check.
	DefaultHealthTimeout = 10 * time.Second
	// DefaultHealthInterval is the pause between health probe attempts.
	DefaultHealthInterval = 2 * time.Second
	// DefaultHealthRetries is the number of health probe attempts.
	DefaultHealthRetries = 3
	// DefaultStopTimeout bounds the graceful-exit wait before escalating to
	// a forced kill.
	DefaultStopTimeout = 5 * time.Second
	// DefaultLogLines is the per-server diagnostic line retention.
	DefaultLogLines = 1000
)

// Options configures a Launcher. Zero values select the defaults above.
type Options struct {
	// LaunchTimeout bounds the wait for the readiness marker.
	LaunchTimeout time.Duration

	// HealthTimeout bounds the whole health check.
	HealthTimeout time.Duration

	// HealthInterval is the pause between health probe attempts.
	HealthInterval time.Duration

	// HealthRetries is the number of health probe attempts.
	HealthRetries int

	// StopTimeout bounds the graceful-exit wait during Stop.
	StopTimeout time.Duration

	// LogLines is the per-server diagnostic line retention.
	LogLines int

	// Ready detects the readiness marker on diagnostic lines.
	// Defaults to MarkerReady(DefaultReadyMarker).
	Ready ReadyFunc

	// Probe checks process liveness during the health check.
	// Defaults to SignalProbe.
	Probe ProbeFunc

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Launcher owns at most one live subprocess per server name.
type Launcher struct {
	opts   Options
	logger *slog.Logger
	events eventHub

	mu        sync.Mutex
	procs     map[string]*Process
	launching map[string]struct{}
	logs      map[string]*ringBuffer
}

// New creates a Launcher with the given options.
func New(opts Options) *Launcher {
	if opts.LaunchTimeout == 0 {
		opts.LaunchTimeout = DefaultLaunchTimeout
	}
	if opts.HealthTimeout == 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.HealthRetries == 0 {
		opts.HealthRetries = DefaultHealthRetries
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.LogLines == 0 {
		opts.LogLines = DefaultLogLines
	}
	if opts.Ready == nil {
		opts.Ready = MarkerReady(DefaultReadyMarker)
	}
	if opts.Probe == nil {
		opts.Probe = SignalProbe
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Launcher{
		opts:      opts,
		logger:    logger,
		procs:     make(map[string]*Process),
		launching: make(map[string]struct{}),
		logs:      make(map[string]*ringBuffer),
	}
}

// Subscribe registers fn to receive lifecycle events. Crash events for a live
// server are delivered here, independent of any in-flight call.
func (l *Launcher) Subscribe(fn func(Event)) {
	l.events.subscribe(fn)
}

// Launch spawns the server, waits for readiness, and runs the health check.
// On success the returned process is live and supervised: a later unexpected
// exit deregisters it and is reported to event subscribers. On any failure the
// partially started process is terminated and deregistered before the error
// is returned.
func (l *Launcher) Launch(ctx context.Context, name string, cfg Config) (*Process, error) {
	if name == "" {
		return nil, &LaunchError{Server: name, Reason: "server name is required"}
	}
	if cfg.Command == "" {
		return nil, &LaunchError{Server: name, Reason: "command is required"}
	}

	l.mu.Lock()
	if _, exists := l.procs[name]; exists {
		l.mu.Unlock()
		return nil, &LaunchError{Server: name, Reason: "already running"}
	}
	if _, exists := l.launching[name]; exists {
		l.mu.Unlock()
		return nil, &LaunchError{Server: name, Reason: "already running"}
	}
	l.launching[name] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.launching, name)
		l.mu.Unlock()
	}()

	p, readyCh, err := l.spawn(name, cfg)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.procs[name] = p
	l.mu.Unlock()

	l.logger.Info("tool server spawned",
		"server", name,
		"command", cfg.Command,
		"pid", p.PID(),
	)

	if err := l.awaitReady(ctx, p, readyCh); err != nil {
		l.teardown(p)
		return nil, err
	}

	if err := l.healthCheck(ctx, p); err != nil {
		l.teardown(p)
		return nil, err
	}

	l.supervise(p)

	l.logger.Info("tool server live", "server", name, "pid", p.PID())
	l.events.emit(Event{Type: EventLive, Server: name, Timestamp: time.Now()})

	return p, nil
}

// spawn starts the subprocess with its stdio piped and the wait and
// diagnostics goroutines running.
func (l *Launcher) spawn(name string, cfg Config) (*Process, chan struct{}, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, &LaunchError{Server: name, Reason: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, &LaunchError{Server: name, Reason: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, &LaunchError{Server: name, Reason: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, &LaunchError{Server: name, Reason: "spawn failed", Err: err}
	}

	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		go func() { _ = cmd.Wait() }()
		return nil, nil, &LaunchError{Server: name, Reason: "no process id obtained"}
	}

	p := &Process{
		name:     name,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	go func() {
		_ = cmd.Wait()
		p.recordExit()
		close(p.done)
	}()

	ring := newRingBuffer(l.opts.LogLines)
	l.mu.Lock()
	l.logs[name] = ring
	l.mu.Unlock()

	readyCh := make(chan struct{})
	go func() {
		var ready bool
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			ring.add(LogEntry{Timestamp: time.Now(), Message: line})
			l.logger.Debug("server diagnostic", "server", name, "line", line)
			if !ready && l.opts.Ready(line) {
				ready = true
				close(readyCh)
			}
		}
	}()

	return p, readyCh, nil
}

// awaitReady blocks until the readiness marker is observed, the process
// exits, the launch timeout fires, or ctx is canceled.
func (l *Launcher) awaitReady(ctx context.Context, p *Process, readyCh chan struct{}) error {
	timer := time.NewTimer(l.opts.LaunchTimeout)
	defer timer.Stop()

	select {
	case <-readyCh:
		return nil
	case <-p.done:
		return p.exitError()
	case <-timer.C:
		return &LaunchError{Server: p.name, Reason: "startup timeout"}
	case <-ctx.Done():
		return &LaunchError{Server: p.name, Reason: "launch canceled", Err: ctx.Err()}
	}
}

// healthCheck probes the process up to HealthRetries times at HealthInterval,
// bounded overall by HealthTimeout.
func (l *Launcher) healthCheck(ctx context.Context, p *Process) error {
	deadline := time.NewTimer(l.opts.HealthTimeout)
	defer deadline.Stop()

	for attempt := 1; attempt <= l.opts.HealthRetries; attempt++ {
		if p.Exited() {
			return p.exitError()
		}

		err := l.opts.Probe(p)
		if err == nil {
			return nil
		}
		l.logger.Warn("health probe failed",
			"server", p.name,
			"attempt", attempt,
			"error", err,
		)

		if attempt == l.opts.HealthRetries {
			break
		}

		pause := time.NewTimer(l.opts.HealthInterval)
		select {
		case <-pause.C:
		case <-p.done:
			pause.Stop()
			return p.exitError()
		case <-deadline.C:
			pause.Stop()
			return &HealthError{Server: p.name, Reason: "health timeout", Attempts: attempt}
		case <-ctx.Done():
			pause.Stop()
			return &HealthError{Server: p.name, Reason: "health canceled", Attempts: attempt}
		}
	}

	return &HealthError{Server: p.name, Reason: "not responding", Attempts: l.opts.HealthRetries}
}

// supervise installs the persistent crash handler for a live process. An
// unexpected exit deregisters the server and is reported to subscribers; other
// tracked servers are unaffected.
func (l *Launcher) supervise(p *Process) {
	go func() {
		<-p.done
		if p.isStopping() {
			return
		}

		l.mu.Lock()
		cur, tracked := l.procs[p.name]
		if tracked && cur == p {
			delete(l.procs, p.name)
		}
		l.mu.Unlock()

		if tracked && cur == p {
			err := p.exitError()
			l.logger.Error("tool server exited unexpectedly",
				"server", p.name,
				"code", err.Code,
				"signal", err.Signal,
			)
			l.events.emit(Event{Type: EventCrashed, Server: p.name, Timestamp: time.Now(), Err: err})
		}
	}()
}

// Stop gracefully terminates the named server, escalating to a forced kill
// after StopTimeout. It is a no-op when nothing is running under name.
func (l *Launcher) Stop(name string) error {
	l.mu.Lock()
	p, exists := l.procs[name]
	l.mu.Unlock()
	if !exists {
		return nil
	}

	p.markStopping()
	_ = p.terminate(syscall.SIGTERM)

	timer := time.NewTimer(l.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		l.logger.Warn("graceful stop timed out, killing", "server", name)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}

	l.remove(name, p)
	l.logger.Info("tool server stopped", "server", name)
	l.events.emit(Event{Type: EventStopped, Server: name, Timestamp: time.Now()})
	return nil
}

// StopAll stops every tracked server.
func (l *Launcher) StopAll() error {
	l.mu.Lock()
	names := make([]string, 0, len(l.procs))
	for name := range l.procs {
		names = append(names, name)
	}
	l.mu.Unlock()

	for _, name := range names {
		_ = l.Stop(name)
	}
	return nil
}

// Cleanup unconditionally terminates and deregisters the named server.
// Termination failures are logged, not raised; the OS will usually still reap
// the process.
func (l *Launcher) Cleanup(name string) {
	l.mu.Lock()
	p, exists := l.procs[name]
	delete(l.procs, name)
	delete(l.logs, name)
	l.mu.Unlock()
	if !exists {
		return
	}

	p.markStopping()
	if err := p.terminate(syscall.SIGKILL); err != nil {
		l.logger.Warn("cleanup termination failed", "server", name, "error", err)
	}
	l.events.emit(Event{Type: EventStopped, Server: name, Timestamp: time.Now()})
}

// GetProcess returns the tracked process for name, or nil.
func (l *Launcher) GetProcess(name string) *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[name]
}

// Names returns the names of all tracked servers.
func (l *Launcher) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.procs))
	for name := range l.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Logs returns the last n diagnostic lines captured for name, oldest first.
// n <= 0 returns everything retained.
func (l *Launcher) Logs(name string, n int) []LogEntry {
	l.mu.Lock()
	ring, exists := l.logs[name]
	l.mu.Unlock()
	if !exists {
		return nil
	}
	if n > 0 {
		return ring.last(n)
	}
	return ring.all()
}

// teardown forcibly terminates and deregisters a partially started process.
// Used on launch failure paths so no subprocess outlives its error.
func (l *Launcher) teardown(p *Process) {
	p.markStopping()
	if err := p.terminate(syscall.SIGKILL); err != nil {
		l.logger.Warn("teardown termination failed", "server", p.name, "error", err)
	}
	l.remove(p.name, p)
}

// remove drops bookkeeping for p if it is still the tracked process for name.
func (l *Launcher) remove(name string, p *Process) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, exists := l.procs[name]; exists && cur == p {
		delete(l.procs, name)
		delete(l.logs, name)
	}
}

// mergeEnv overlays extra onto base, with extra winning on key collisions.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := make([]string, 0, len(base)+len(extra))
	merged = append(merged, base...)
	for _, k := range keys {
		merged = append(merged, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return merged
}
