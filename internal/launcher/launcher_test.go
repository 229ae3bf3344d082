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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shServer builds a Config that runs script under /bin/sh.
func shServer(script string) Config {
	return Config{Command: "/bin/sh", Args: []string{"-c", script}}
}

// readyServer emits the readiness marker on stderr and then sleeps.
func readyServer() Config {
	return shServer(`echo "server running on stdio" >&2; exec sleep 60`)
}

func testLauncher(t *testing.T, opts Options) *Launcher {
	t.Helper()
	l := New(opts)
	t.Cleanup(func() { _ = l.StopAll() })
	return l
}

func TestLaunch_Validation(t *testing.T) {
	l := testLauncher(t, Options{})

	_, err := l.Launch(context.Background(), "", Config{Command: "echo"})
	require.Error(t, err)

	_, err = l.Launch(context.Background(), "srv", Config{})
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "srv", launchErr.ServerName())
}

func TestLaunch_Success(t *testing.T) {
	l := testLauncher(t, Options{})

	p, err := l.Launch(context.Background(), "mock", readyServer())
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)
	assert.False(t, p.Exited())
	assert.Same(t, p, l.GetProcess("mock"))

	require.NoError(t, l.Stop("mock"))
	assert.Nil(t, l.GetProcess("mock"))
}

func TestLaunch_Duplicate(t *testing.T) {
	l := testLauncher(t, Options{})

	_, err := l.Launch(context.Background(), "dup", readyServer())
	require.NoError(t, err)

	_, err = l.Launch(context.Background(), "dup", readyServer())
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "already running", launchErr.Reason)
}

func TestLaunch_StartupTimeout(t *testing.T) {
	l := testLauncher(t, Options{LaunchTimeout: 200 * time.Millisecond})

	_, err := l.Launch(context.Background(), "silent", shServer(`exec sleep 60`))
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "startup timeout", launchErr.Reason)

	// No leaked process: bookkeeping is gone and the child was terminated.
	assert.Nil(t, l.GetProcess("silent"))
}

func TestLaunch_ExitBeforeReady(t *testing.T) {
	l := testLauncher(t, Options{})

	_, err := l.Launch(context.Background(), "flaky", shServer(`exit 3`))
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Nil(t, l.GetProcess("flaky"))
}

func TestLaunch_SpawnError(t *testing.T) {
	l := testLauncher(t, Options{})

	_, err := l.Launch(context.Background(), "missing", Config{Command: "/nonexistent-command-xyz"})
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "spawn failed", launchErr.Reason)
	assert.Nil(t, l.GetProcess("missing"))
}

func TestLaunch_HealthProbeFails(t *testing.T) {
	var mu sync.Mutex
	var probed *Process

	l := testLauncher(t, Options{
		HealthInterval: 10 * time.Millisecond,
		Probe: func(p *Process) error {
			mu.Lock()
			probed = p
			mu.Unlock()
			return errors.New("not alive")
		},
	})

	_, err := l.Launch(context.Background(), "sick", readyServer())
	var healthErr *HealthError
	require.ErrorAs(t, err, &healthErr)
	assert.Equal(t, "not responding", healthErr.Reason)
	assert.Equal(t, DefaultHealthRetries, healthErr.Attempts)
	assert.Nil(t, l.GetProcess("sick"))

	// The failed launch must have terminated the child.
	mu.Lock()
	p := probed
	mu.Unlock()
	require.NotNil(t, p)
	require.Eventually(t, p.Exited, 2*time.Second, 10*time.Millisecond,
		"child should be terminated after health failure")
	assert.True(t, p.Killed())
}

func TestLaunch_ExitDuringHealthCheck(t *testing.T) {
	// Enough retries that the only way out of the health loop is the exit.
	l := testLauncher(t, Options{
		HealthInterval: 50 * time.Millisecond,
		HealthRetries:  50,
		Probe: func(p *Process) error {
			return errors.New("not yet")
		},
	})

	// Emits the marker, then exits shortly after.
	_, err := l.Launch(context.Background(), "brief",
		shServer(`echo "server running on stdio" >&2; sleep 0.1; exit 7`))
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Nil(t, l.GetProcess("brief"))
}

func TestLaunch_EnvOverride(t *testing.T) {
	t.Setenv("MCPOOL_TEST_VAR", "outer")

	l := testLauncher(t, Options{})

	// The child proves it saw the overridden value by only emitting the
	// readiness marker when the variable matches.
	cfg := shServer(`[ "$MCPOOL_TEST_VAR" = "inner" ] && echo "server running on stdio" >&2; exec sleep 60`)
	cfg.Env = map[string]string{"MCPOOL_TEST_VAR": "inner"}

	p, err := l.Launch(context.Background(), "env", cfg)
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)
}

func TestStop_NotRunning(t *testing.T) {
	l := testLauncher(t, Options{})
	require.NoError(t, l.Stop("nothing"))
}

func TestStop_Escalation(t *testing.T) {
	l := testLauncher(t, Options{StopTimeout: 200 * time.Millisecond})

	p, err := l.Launch(context.Background(), "stubborn",
		shServer(`trap "" TERM; echo "server running on stdio" >&2; while true; do sleep 1; done`))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, l.Stop("stubborn"))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, p.Exited())
	assert.Nil(t, l.GetProcess("stubborn"))
}

func TestStopAll(t *testing.T) {
	l := testLauncher(t, Options{})

	for i := 1; i <= 3; i++ {
		_, err := l.Launch(context.Background(), fmt.Sprintf("srv-%d", i), readyServer())
		require.NoError(t, err)
	}
	require.Len(t, l.Names(), 3)

	require.NoError(t, l.StopAll())
	assert.Empty(t, l.Names())
}

func TestCleanup(t *testing.T) {
	l := testLauncher(t, Options{})

	p, err := l.Launch(context.Background(), "doomed", readyServer())
	require.NoError(t, err)

	l.Cleanup("doomed")
	assert.Nil(t, l.GetProcess("doomed"))
	require.Eventually(t, p.Exited, 2*time.Second, 10*time.Millisecond)

	// Cleanup of an unknown name is a no-op.
	l.Cleanup("doomed")
}

func TestCrashObserver(t *testing.T) {
	l := testLauncher(t, Options{})

	events := make(chan Event, 4)
	l.Subscribe(func(ev Event) { events <- ev })

	_, err := l.Launch(context.Background(), "crashy",
		shServer(`echo "server running on stdio" >&2; sleep 0.2; exit 9`))
	require.NoError(t, err)

	// The live event fires on launch, the crash event after the exit.
	ev := <-events
	assert.Equal(t, EventLive, ev.Type)

	select {
	case ev = <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for crash event")
	}
	assert.Equal(t, EventCrashed, ev.Type)
	assert.Equal(t, "crashy", ev.Server)

	var exitErr *ExitError
	require.ErrorAs(t, ev.Err, &exitErr)
	assert.Equal(t, 9, exitErr.Code)
	assert.Nil(t, l.GetProcess("crashy"))
}

func TestCrashIsolation(t *testing.T) {
	l := testLauncher(t, Options{})

	_, err := l.Launch(context.Background(), "stable", readyServer())
	require.NoError(t, err)
	_, err = l.Launch(context.Background(), "fragile",
		shServer(`echo "server running on stdio" >&2; sleep 0.2; exit 1`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return l.GetProcess("fragile") == nil
	}, 5*time.Second, 20*time.Millisecond, "crashed server should deregister")

	// The crash of one server leaves the other untouched.
	p := l.GetProcess("stable")
	require.NotNil(t, p)
	assert.False(t, p.Exited())
}

func TestLogs(t *testing.T) {
	l := testLauncher(t, Options{})

	_, err := l.Launch(context.Background(), "chatty",
		shServer(`echo "starting up" >&2; echo "server running on stdio" >&2; exec sleep 60`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(l.Logs("chatty", 0)) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	entries := l.Logs("chatty", 0)
	assert.Equal(t, "starting up", entries[0].Message)

	last := l.Logs("chatty", 1)
	require.Len(t, last, 1)
	assert.Equal(t, "server running on stdio", last[0].Message)

	assert.Nil(t, l.Logs("unknown", 0))
}

func TestMergeEnv(t *testing.T) {
	tests := []struct {
		name  string
		base  []string
		extra map[string]string
		want  []string
	}{
		{
			name: "nil extra returns base",
			base: []string{"A=1"},
			want: []string{"A=1"},
		},
		{
			name:  "extra appended sorted",
			base:  []string{"A=1"},
			extra: map[string]string{"C": "3", "B": "2"},
			want:  []string{"A=1", "B=2", "C=3"},
		},
		{
			name:  "override wins by position",
			base:  []string{"A=1"},
			extra: map[string]string{"A": "2"},
			want:  []string{"A=1", "A=2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeEnv(tt.base, tt.extra))
		})
	}
}
