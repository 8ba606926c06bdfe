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

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/alerts"
	"github.com/aosedge/aos_communicationmanager/internal/allocator"
	"github.com/aosedge/aos_communicationmanager/internal/metrics"
	"github.com/aosedge/aos_communicationmanager/internal/monitoring"
	"github.com/aosedge/aos_communicationmanager/internal/nodemanager"
	"go.uber.org/zap"
)

// serveMetrics starts the `/metrics` HTTP endpoint and blocks serving it
// until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *metrics.Registry, log *zap.SugaredLogger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warnw("metrics server stopped", "error", err)
	}
}

// runMetricsSampler periodically reads each component's current gauges
// into reg until ctx is cancelled.
func runMetricsSampler(
	ctx context.Context, reg *metrics.Registry, period time.Duration,
	allocators map[string]*allocator.Allocator, nodes *nodemanager.Manager,
	al *alerts.Aggregator, mon *monitoring.Aggregator,
) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, a := range allocators {
				reg.AllocatorOccupancy.WithLabelValues(name).Set(float64(a.Occupied()))
			}
			connected := 0
			for _, info := range nodes.All() {
				if info.IsConnected {
					connected++
				}
			}
			reg.ConnectedNodes.Set(float64(connected))
			reg.AlertQueueDepth.Set(float64(al.QueueDepth()))
			reg.MonitoringNodes.Set(float64(mon.TrackedNodes()))
		}
	}
}
