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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pool's Prometheus collectors. All recording methods are
// nil-safe so a pool without metrics pays nothing.
type Metrics struct {
	serversLive       prometheus.Gauge
	launchFailures    prometheus.Counter
	discoveryDuration prometheus.Histogram
}

// NewMetrics registers the pool collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		serversLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpool",
			Name:      "servers_live",
			Help:      "Number of pooled tool servers currently live.",
		}),
		launchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpool",
			Name:      "launch_failures_total",
			Help:      "Total server launches that failed before entering the pool.",
		}),
		discoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mcpool",
			Name:      "discovery_duration_seconds",
			Help:      "Time spent on the capability handshake per server.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) serverAdded() {
	if m != nil {
		m.serversLive.Inc()
	}
}

func (m *Metrics) serverRemoved() {
	if m != nil {
		m.serversLive.Dec()
	}
}

func (m *Metrics) launchFailed() {
	if m != nil {
		m.launchFailures.Inc()
	}
}

func (m *Metrics) discovered(d time.Duration) {
	if m != nil {
		m.discoveryDuration.Observe(d.Seconds())
	}
}
