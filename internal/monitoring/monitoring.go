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

// Package monitoring implements the Monitoring Aggregator component
// (spec §4.10/L10): accumulates per-node and per-instance resource usage
// into fixed-size ring windows, collapses state transitions, and flushes
// on a timer to the cloud sender.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"go.uber.org/zap"
)

const (
	defaultDataWindow  = 64
	defaultStateWindow = 32
)

// Sender pushes an aggregated Monitoring message to the cloud link.
type Sender interface {
	SendMonitoring(ctx context.Context, data cloudprotocol.Monitoring) error
}

type ring struct {
	samples []cloudprotocol.MonitoringData
	cap     int
}

func newRing(cap int) *ring {
	return &ring{cap: cap}
}

func (r *ring) push(d cloudprotocol.MonitoringData) {
	r.samples = append(r.samples, d)
	if len(r.samples) > r.cap {
		r.samples = r.samples[len(r.samples)-r.cap:]
	}
}

func (r *ring) reset() {
	r.samples = nil
}

// average computes the arithmetic mean over the last n samples (or all
// samples if n <= 0 or exceeds the window), the N-window mean behaviour
// GetAverageMonitoring exposes.
func (r *ring) average(n int) cloudprotocol.MonitoringData {
	samples := r.samples
	if n > 0 && n < len(samples) {
		samples = samples[len(samples)-n:]
	}
	if len(samples) == 0 {
		return cloudprotocol.MonitoringData{}
	}
	var out cloudprotocol.MonitoringData
	out.Timestamp = samples[len(samples)-1].Timestamp
	partitionSums := make(map[string]uint64)
	var partitionOrder []string
	for _, s := range samples {
		out.CPU += s.CPU
		out.RAM += s.RAM
		out.Download += s.Download
		out.Upload += s.Upload
		for _, p := range s.Partitions {
			if _, seen := partitionSums[p.Name]; !seen {
				partitionOrder = append(partitionOrder, p.Name)
			}
			partitionSums[p.Name] += p.UsedSize
		}
	}
	count := uint64(len(samples))
	out.CPU /= float64(count)
	out.RAM /= count
	out.Download /= count
	out.Upload /= count
	for _, name := range partitionOrder {
		out.Partitions = append(out.Partitions, cloudprotocol.PartitionUsage{
			Name: name, UsedSize: partitionSums[name] / count,
		})
	}
	return out
}

type stateRing struct {
	nodeStates     []cloudprotocol.NodeStateInfo
	instanceStates []cloudprotocol.InstanceStateInfo
	cap            int
}

func (s *stateRing) pushNode(info cloudprotocol.NodeStateInfo) {
	if n := len(s.nodeStates); n > 0 && s.nodeStates[n-1].State == info.State {
		return // collapse consecutive identical states (§4.10)
	}
	s.nodeStates = append(s.nodeStates, info)
	if len(s.nodeStates) > s.cap {
		s.nodeStates = s.nodeStates[1:]
	}
}

func (s *stateRing) pushInstance(info cloudprotocol.InstanceStateInfo) {
	if n := len(s.instanceStates); n > 0 && s.instanceStates[n-1].State == info.State {
		return
	}
	s.instanceStates = append(s.instanceStates, info)
	if len(s.instanceStates) > s.cap {
		s.instanceStates = s.instanceStates[1:]
	}
}

type nodeBucket struct {
	data      *ring
	states    *stateRing
	instances map[string]*instanceBucket // key: Ident string
}

type instanceBucket struct {
	ident  cloudprotocol.InstanceIdent
	data   *ring
	states *stateRing
}

func identKey(id cloudprotocol.InstanceIdent) string {
	return string(id.ItemType) + "/" + id.ItemID + "/" + id.SubjectID
}

// Aggregator is the Monitoring Aggregator.
type Aggregator struct {
	mu     sync.Mutex
	nodes  map[string]*nodeBucket
	sender Sender
	log    *zap.SugaredLogger
}

// New constructs an empty Aggregator.
func New(sender Sender, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{nodes: make(map[string]*nodeBucket), sender: sender, log: log}
}

func (a *Aggregator) nodeBucketFor(nodeID string) *nodeBucket {
	b, ok := a.nodes[nodeID]
	if !ok {
		b = &nodeBucket{
			data:      newRing(defaultDataWindow),
			states:    &stateRing{cap: defaultStateWindow},
			instances: make(map[string]*instanceBucket),
		}
		a.nodes[nodeID] = b
	}
	return b
}

// OnNodeData accumulates a node-level sample.
func (a *Aggregator) OnNodeData(nodeID string, data cloudprotocol.MonitoringData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodeBucketFor(nodeID).data.push(data)
}

// OnNodeState records a node-state transition, collapsing repeats.
func (a *Aggregator) OnNodeState(nodeID string, info cloudprotocol.NodeStateInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodeBucketFor(nodeID).states.pushNode(info)
}

// OnInstanceData accumulates a per-instance sample under its node.
func (a *Aggregator) OnInstanceData(nodeID string, ident cloudprotocol.InstanceIdent, data cloudprotocol.MonitoringData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	nb := a.nodeBucketFor(nodeID)
	key := identKey(ident)
	ib, ok := nb.instances[key]
	if !ok {
		ib = &instanceBucket{ident: ident, data: newRing(defaultDataWindow), states: &stateRing{cap: defaultStateWindow}}
		nb.instances[key] = ib
	}
	ib.data.push(data)
}

// OnInstanceState records an instance-state transition, collapsing
// repeats.
func (a *Aggregator) OnInstanceState(nodeID string, ident cloudprotocol.InstanceIdent, info cloudprotocol.InstanceStateInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	nb := a.nodeBucketFor(nodeID)
	key := identKey(ident)
	ib, ok := nb.instances[key]
	if !ok {
		ib = &instanceBucket{ident: ident, data: newRing(defaultDataWindow), states: &stateRing{cap: defaultStateWindow}}
		nb.instances[key] = ib
	}
	ib.states.pushInstance(info)
}

// GetAverageMonitoring returns the arithmetic mean of the last n
// node-level samples (n<=0 means the whole window).
func (a *Aggregator) GetAverageMonitoring(nodeID string, n int) (cloudprotocol.MonitoringData, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	nb, ok := a.nodes[nodeID]
	if !ok {
		return cloudprotocol.MonitoringData{}, false
	}
	return nb.data.average(n), true
}

// TrackedNodes reports how many nodes currently have a monitoring
// window, for ambient metrics reporting.
func (a *Aggregator) TrackedNodes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}

// snapshot builds the outbound Monitoring message from all accumulated
// windows.
func (a *Aggregator) snapshot() cloudprotocol.Monitoring {
	var out cloudprotocol.Monitoring
	for nodeID, nb := range a.nodes {
		entry := cloudprotocol.NodeMonitoringData{
			NodeID: nodeID,
			Data:   nb.data.average(0),
			States: append([]cloudprotocol.NodeStateInfo(nil), nb.states.nodeStates...),
		}
		for _, ib := range nb.instances {
			entry.Instances = append(entry.Instances, cloudprotocol.InstanceMonitoringData{
				Ident:  ib.ident,
				Data:   ib.data.average(0),
				States: append([]cloudprotocol.InstanceStateInfo(nil), ib.states.instanceStates...),
			})
		}
		out.Nodes = append(out.Nodes, entry)
	}
	return out
}

func (a *Aggregator) resetWindows() {
	for _, nb := range a.nodes {
		nb.data.reset()
		nb.states.nodeStates = nil
		for _, ib := range nb.instances {
			ib.data.reset()
			ib.states.instanceStates = nil
		}
	}
}

// Flush sends the accumulated snapshot if connected, resetting windows
// only on success (§4.10: "on successful send, windows reset").
func (a *Aggregator) Flush(ctx context.Context, connected bool) {
	if !connected {
		return
	}
	a.mu.Lock()
	snap := a.snapshot()
	a.mu.Unlock()

	if len(snap.Nodes) == 0 {
		return
	}
	if err := a.sender.SendMonitoring(ctx, snap); err != nil {
		a.log.Warnw("send monitoring failed", "error", err)
		return
	}
	a.mu.Lock()
	a.resetWindows()
	a.mu.Unlock()
}

// Run flushes on sendPeriod ticks until ctx is cancelled. isConnected is
// polled at flush time so callers don't need to push connect events
// into this component.
func (a *Aggregator) Run(ctx context.Context, sendPeriod time.Duration, isConnected func() bool) {
	ticker := time.NewTicker(sendPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Flush(ctx, isConnected())
		}
	}
}
