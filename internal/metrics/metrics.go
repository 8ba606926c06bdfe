// Copyright 2025 AUTHORS
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

// Package metrics exposes the ambient `/metrics` endpoint every daemon
// in this module serves: allocator occupancy, alert queue depth, the
// monitoring-tracked node count and a node-connection gauge (§6 ambient
// stack), on an isolated
// registry rather than the global default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the gauges this daemon reports and the registry they're
// registered against.
type Registry struct {
	reg *prometheus.Registry

	AllocatorOccupancy *prometheus.GaugeVec
	ConnectedNodes     prometheus.Gauge
	AlertQueueDepth    prometheus.Gauge
	MonitoringNodes    prometheus.Gauge
}

// New constructs a Registry with every gauge pre-registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		AllocatorOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aos_cm",
			Name:      "allocator_occupied_bytes",
			Help:      "Bytes currently reserved in a Space Allocator partition.",
		}, []string{"partition"}),
		ConnectedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aos_cm",
			Name:      "connected_nodes",
			Help:      "Number of nodes the SM Controller currently holds a live stream for.",
		}),
		AlertQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aos_cm",
			Name:      "alert_queue_depth",
			Help:      "Alerts buffered in the Alerts Aggregator awaiting send.",
		}),
		MonitoringNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aos_cm",
			Name:      "monitoring_tracked_nodes",
			Help:      "Nodes with an active Monitoring Aggregator window.",
		}),
	}
	reg.MustRegister(m.AllocatorOccupancy, m.ConnectedNodes, m.AlertQueueDepth, m.MonitoringNodes)
	return m
}

// Handler returns the HTTP handler for this registry's `/metrics` route.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
