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

package launcher

import (
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// Process is the handle to a launched tool-server subprocess. The launcher
// owns it from spawn until teardown; discovery borrows the stdio streams for
// the protocol handshake but never closes or signals the process itself.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	// done is closed by the wait goroutine once the process has exited and
	// exitCode/signal are recorded.
	done chan struct{}

	mu       sync.Mutex
	killed   bool
	stopping bool
	exitCode int
	signal   string
}

// Name returns the server name this process was launched under.
func (p *Process) Name() string { return p.name }

// PID returns the OS process identifier.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stdin returns the pipe connected to the child's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the pipe connected to the child's standard output.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Done returns a channel closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the recorded exit code. It is -1 when the process was
// terminated by a signal or has not exited yet.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Signal returns the name of the terminating signal, or "" if the process
// exited normally or is still running.
func (p *Process) Signal() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signal
}

// Killed reports whether the launcher forcibly terminated the process.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// markStopping records that the launcher initiated shutdown, so the exit is
// not reported as a crash.
func (p *Process) markStopping() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
}

// isStopping reports whether a launcher-initiated shutdown is in progress.
func (p *Process) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// recordExit stores the exit status. Called exactly once by the wait goroutine.
func (p *Process) recordExit() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
		if ws, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.signal = ws.Signal().String()
		}
	}
}

// exitError builds an ExitError from the recorded exit status.
func (p *Process) exitError() *ExitError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &ExitError{Server: p.name, Code: p.exitCode, Signal: p.signal}
}

// terminate sends sig to the process, falling back to Kill on error, and marks
// the process killed. It never blocks waiting for the exit.
func (p *Process) terminate(sig syscall.Signal) error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}
