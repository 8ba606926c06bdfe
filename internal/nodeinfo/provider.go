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

// Package nodeinfo implements the Node Info Provider (spec §4.2): the
// authoritative map of node-id -> merged NodeInfo, combining IAM's
// provisioning view with SM liveness signals.
package nodeinfo

import (
	"sync"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/google/go-cmp/cmp"
	"tailscale.com/util/set"
)

// IAMState is what IAM reports for a node, independent of SM liveness.
type IAMState struct {
	Info  cloudprotocol.NodeInfo
	State cloudprotocol.NodeState // Provisioned | Paused | Unprovisioned
}

// Listener is notified synchronously on every observable transition, from
// a listener snapshot taken under the provider's lock and invoked after
// that lock is released (copy-on-notify). Implementations must not block.
type Listener interface {
	OnNodeInfoChanged(info cloudprotocol.NodeInfo)
}

type nodeRecord struct {
	iam         IAMState
	haveIAM     bool
	lastSMBeat  time.Time
	haveSM      bool
	effective   cloudprotocol.NodeInfo
}

// Provider merges IAM and SM views per the rule in §4.2:
//
//	final.state =
//	  IAM.Unprovisioned              -> Unprovisioned
//	  IAM.Paused                     -> Paused
//	  SM heartbeat fresh             -> IAM.state (usually Provisioned)
//	  otherwise                      -> Error
type Provider struct {
	mu               sync.Mutex
	nodes            map[string]*nodeRecord
	smTimeout        time.Duration
	listeners        set.HandleSet[Listener]
}

// New creates a provider with the given SM-connection freshness timeout.
func New(smTimeout time.Duration) *Provider {
	return &Provider{
		nodes:     make(map[string]*nodeRecord),
		smTimeout: smTimeout,
	}
}

// Subscribe registers a listener and returns a handle for Unsubscribe.
func (p *Provider) Subscribe(l Listener) set.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listeners.Add(l)
}

// Unsubscribe removes a previously registered listener.
func (p *Provider) Unsubscribe(h set.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.listeners, h)
}

// OnIAMInfo is called whenever IAM reports a provisioning-level change for
// a node (including first-seen and deprovision).
func (p *Provider) OnIAMInfo(nodeID string, st IAMState) {
	p.mu.Lock()
	rec, ok := p.nodes[nodeID]
	if !ok {
		rec = &nodeRecord{}
		p.nodes[nodeID] = rec
	}
	rec.iam = st
	rec.haveIAM = true
	next, snapshot, changed := p.recomputeLocked(nodeID, rec)
	p.mu.Unlock()
	p.notify(next, snapshot, changed)
}

// OnSMInfoReceived marks the node's SM heartbeat as fresh as of now.
func (p *Provider) OnSMInfoReceived(nodeID string) {
	p.mu.Lock()
	rec, ok := p.nodes[nodeID]
	if !ok {
		rec = &nodeRecord{}
		p.nodes[nodeID] = rec
	}
	rec.lastSMBeat = time.Now()
	rec.haveSM = true
	next, snapshot, changed := p.recomputeLocked(nodeID, rec)
	p.mu.Unlock()
	p.notify(next, snapshot, changed)
}

// OnSMDisconnected marks the node's SM link as down; the effective state
// degrades to Error once smTimeout elapses without another heartbeat
// (recompute happens lazily on the next call, or callers may invoke
// SweepStale on a timer to force prompt degraded notifications).
func (p *Provider) OnSMDisconnected(nodeID string) {
	p.mu.Lock()
	rec, ok := p.nodes[nodeID]
	if !ok {
		p.mu.Unlock()
		return
	}
	next, snapshot, changed := p.recomputeLocked(nodeID, rec)
	p.mu.Unlock()
	p.notify(next, snapshot, changed)
}

// SweepStale recomputes every node whose SM heartbeat has gone stale,
// firing OnNodeInfoChanged for any that transition to Error. Intended to
// be called on a timer shorter than smTimeout.
func (p *Provider) SweepStale() {
	type pending struct {
		next     cloudprotocol.NodeInfo
		snapshot []Listener
	}
	p.mu.Lock()
	var firing []pending
	for id, rec := range p.nodes {
		next, snapshot, changed := p.recomputeLocked(id, rec)
		if changed {
			firing = append(firing, pending{next, snapshot})
		}
	}
	p.mu.Unlock()

	for _, f := range firing {
		p.notify(f.next, f.snapshot, true)
	}
}

func (p *Provider) notify(next cloudprotocol.NodeInfo, snapshot []Listener, changed bool) {
	if !changed {
		return
	}
	for _, l := range snapshot {
		l.OnNodeInfoChanged(next)
	}
}

func (p *Provider) heartbeatFresh(rec *nodeRecord) bool {
	if !rec.haveSM {
		return false
	}
	return time.Since(rec.lastSMBeat) < p.smTimeout
}

// recomputeLocked implements the merge rule. Caller holds p.mu and is
// responsible for unlocking and then calling notify with the returned
// snapshot — listeners must never run while the provider lock is held, to
// avoid re-entrancy if a listener calls back into the provider (design
// note §9: snapshot under lock, invoke outside).
func (p *Provider) recomputeLocked(nodeID string, rec *nodeRecord) (cloudprotocol.NodeInfo, []Listener, bool) {
	if !rec.haveIAM {
		return cloudprotocol.NodeInfo{}, nil, false
	}

	next := rec.iam.Info
	next.NodeID = nodeID
	switch rec.iam.State {
	case cloudprotocol.NodeStateUnprovisioned:
		next.State = cloudprotocol.NodeStateUnprovisioned
		next.IsConnected = false
	case cloudprotocol.NodeStatePaused:
		next.State = cloudprotocol.NodeStatePaused
		next.IsConnected = p.heartbeatFresh(rec)
	default:
		if p.heartbeatFresh(rec) {
			next.State = rec.iam.State
			next.IsConnected = true
		} else {
			next.State = cloudprotocol.NodeStateError
			next.IsConnected = false
		}
	}
	// Invariant: IsConnected => Provisioned.
	if next.State != cloudprotocol.NodeStateProvisioned {
		next.IsConnected = false
	}

	changed := !cmp.Equal(rec.effective, next)
	rec.effective = next
	if !changed {
		return next, nil, false
	}

	snapshot := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		snapshot = append(snapshot, l)
	}
	return next, snapshot, true
}

// Get returns the current merged view of one node.
func (p *Provider) Get(nodeID string) (cloudprotocol.NodeInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.nodes[nodeID]
	if !ok || !rec.haveIAM {
		return cloudprotocol.NodeInfo{}, false
	}
	return rec.effective, true
}

// All returns a snapshot of every known node's merged view.
func (p *Provider) All() []cloudprotocol.NodeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]cloudprotocol.NodeInfo, 0, len(p.nodes))
	for _, rec := range p.nodes {
		if rec.haveIAM {
			out = append(out, rec.effective)
		}
	}
	return out
}
