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

package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcpool/internal/launcher"
)

func TestMetrics_TrackLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	fl := newFakeLauncher()
	fd := newFakeDiscoverer()
	p := New(Options{Launcher: fl, Discoverer: fd, Metrics: m})
	t.Cleanup(p.Reset)

	ctx := context.Background()
	_, err := p.GetOrCreateServer(ctx, "mock", launcher.Config{Command: "mock-server"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serversLive))

	p.RegisterSessionServer("s1", "mock")
	p.ReleaseSessionServers("s1")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.serversLive))

	fd.mu.Lock()
	fd.err = errors.New("handshake refused")
	fd.mu.Unlock()
	_, err = p.GetOrCreateServer(ctx, "broken", launcher.Config{Command: "broken-server"})
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.launchFailures))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.serverAdded()
	m.serverRemoved()
	m.launchFailed()
	m.discovered(0)
}
