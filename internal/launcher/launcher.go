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

// Package launcher implements the Launcher/Scheduler component (spec
// §4.7/L8): turns a desired instance list into node placements, starts
// and stops instances on the chosen nodes, and tracks per-instance
// runtime state.
package launcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/storage"
	"go.uber.org/zap"
)

// NodeCandidate is a placement-eligible node snapshot, as seen by the
// Launcher at reconcile time.
type NodeCandidate struct {
	NodeID   string
	Online   bool
	Priority uint32
	Labels   []string
	Groups   []string // node-group/subject affinity tags
}

// NodeSource supplies the current placement-eligible node set.
type NodeSource interface {
	Candidates() []NodeCandidate
}

// SMStarter is the SM Controller contract the Launcher drives (§4.11).
type SMStarter interface {
	StartInstances(ctx context.Context, nodeID string, services, layers []string, instances []cloudprotocol.InstanceIdent, forceRestart bool) error
	StopInstances(ctx context.Context, nodeID string, instances []cloudprotocol.InstanceIdent) error
	OverrideEnvVars(ctx context.Context, nodeID string, instances []cloudprotocol.InstanceIdent, vars []string) error
}

// StatusListener is notified when an instance's tracked status changes.
type StatusListener interface {
	OnInstanceStatus(status cloudprotocol.InstanceStatus)
}

type placementRecord struct {
	Ident  cloudprotocol.InstanceIdent `json:"ident"`
	NodeID string                      `json:"nodeId"`
}

func placementKey(ident cloudprotocol.InstanceIdent) string {
	return fmt.Sprintf("%s/%s/%s/%d", ident.ItemType, ident.ItemID, ident.SubjectID, ident.Index)
}

// envOverride is one active OverrideEnvVars entry, reverted at Until.
type envOverride struct {
	idents []cloudprotocol.InstanceIdent
	vars   []string
	until  time.Time
}

// Launcher owns placement and status tracking.
type Launcher struct {
	mu        sync.Mutex
	placement map[string]placementRecord
	bucket    *storage.Bucket

	statusMu sync.RWMutex
	status   map[string]cloudprotocol.InstanceStatus

	nodes     NodeSource
	sm        SMStarter
	listeners []StatusListener

	overridesMu sync.Mutex
	overrides   []envOverride

	log *zap.SugaredLogger
}

// New loads persisted placement and returns a ready Launcher.
func New(store *storage.Store, nodes NodeSource, sm SMStarter, log *zap.SugaredLogger) (*Launcher, error) {
	bucket, err := store.Bucket("placement")
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "open placement bucket")
	}
	l := &Launcher{
		placement: make(map[string]placementRecord),
		bucket:    bucket,
		status:    make(map[string]cloudprotocol.InstanceStatus),
		nodes:     nodes,
		sm:        sm,
		log:       log,
	}
	keys, err := bucket.Keys()
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "list placement")
	}
	for _, key := range keys {
		var rec placementRecord
		ok, err := bucket.Get(key, &rec)
		if err != nil {
			return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "load placement %s", key)
		}
		if ok {
			l.placement[key] = rec
		}
	}
	return l, nil
}

// Subscribe registers l for instance-status notifications.
func (l *Launcher) Subscribe(listener StatusListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

func (l *Launcher) setStatus(status cloudprotocol.InstanceStatus) {
	l.statusMu.Lock()
	l.status[placementKey(status.Ident)] = status
	l.statusMu.Unlock()

	l.mu.Lock()
	listeners := append([]StatusListener(nil), l.listeners...)
	l.mu.Unlock()
	for _, listener := range listeners {
		listener.OnInstanceStatus(status)
	}
}

// Status returns the cached status for ident.
func (l *Launcher) Status(ident cloudprotocol.InstanceIdent) (cloudprotocol.InstanceStatus, bool) {
	l.statusMu.RLock()
	defer l.statusMu.RUnlock()
	s, ok := l.status[placementKey(ident)]
	return s, ok
}

// desiredEntry pairs an expanded InstanceIdent with the InstanceInfo it
// was expanded from (for labels/priority).
type desiredEntry struct {
	ident cloudprotocol.InstanceIdent
	info  cloudprotocol.InstanceInfo
}

// desiredIdents expands InstanceInfo.NumInstances into one InstanceIdent
// per (ident, index) pair (§4.7 step 2).
func desiredIdents(instances []cloudprotocol.InstanceInfo) map[string]desiredEntry {
	out := make(map[string]desiredEntry)
	for _, info := range instances {
		for i := uint32(0); i < info.NumInstances; i++ {
			ident := info.Identity
			ident.Index = i
			out[placementKey(ident)] = desiredEntry{ident: ident, info: info}
		}
	}
	return out
}

// chooseNode implements §4.7 step 3b: highest priority online candidate
// respecting labels/affinity, tie-broken by previous node (if alive)
// then lowest NodeID.
func chooseNode(candidates []NodeCandidate, labels []string, previous string) (string, bool) {
	var eligible []NodeCandidate
	for _, c := range candidates {
		if !c.Online {
			continue
		}
		if !hasAllLabels(c.Labels, labels) {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return "", false
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		iPrev := eligible[i].NodeID == previous
		jPrev := eligible[j].NodeID == previous
		if iPrev != jPrev {
			return iPrev
		}
		return eligible[i].NodeID < eligible[j].NodeID
	})
	return eligible[0].NodeID, true
}

func hasAllLabels(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func isOnline(candidates []NodeCandidate, nodeID string) bool {
	for _, c := range candidates {
		if c.NodeID == nodeID {
			return c.Online
		}
	}
	return false
}

// RunInstances reconciles placement against the desired instance list
// (§4.7). A StartInstances failure on the chosen node marks that node's
// instances InstanceState=Failed with the error; no other candidate is
// tried. Failures never surface as a launcher-wide error.
func (l *Launcher) RunInstances(ctx context.Context, services, layers []string, instances []cloudprotocol.InstanceInfo, forceRestart bool) error {
	desired := desiredIdents(instances)
	candidates := l.nodes.Candidates()

	l.mu.Lock()
	current := make(map[string]placementRecord, len(l.placement))
	for k, v := range l.placement {
		current[k] = v
	}
	l.mu.Unlock()

	toStart := make(map[string][]cloudprotocol.InstanceIdent) // nodeID -> idents
	newPlacement := make(map[string]placementRecord)

	for key, entry := range desired {
		ident := entry.ident
		info := entry.info

		prevRec, hadPrev := current[key]
		if hadPrev && !forceRestart && isOnline(candidates, prevRec.NodeID) {
			newPlacement[key] = prevRec
			continue
		}

		previous := ""
		if hadPrev {
			previous = prevRec.NodeID
		}
		nodeID, ok := chooseNode(candidates, info.Labels, previous)
		if !ok {
			l.setStatus(cloudprotocol.InstanceStatus{
				Ident: ident, State: cloudprotocol.InstanceStateFailed,
				Error: &cloudprotocol.ErrorInfo{Message: "no eligible node"},
			})
			continue
		}
		newPlacement[key] = placementRecord{Ident: ident, NodeID: nodeID}
		toStart[nodeID] = append(toStart[nodeID], ident)
	}

	toStop := make(map[string][]cloudprotocol.InstanceIdent)
	for key, rec := range current {
		if _, stillDesired := desired[key]; !stillDesired {
			toStop[rec.NodeID] = append(toStop[rec.NodeID], rec.Ident)
		}
	}

	for nodeID, idents := range toStop {
		if err := l.sm.StopInstances(ctx, nodeID, idents); err != nil {
			l.log.Warnw("stop instances failed", "nodeId", nodeID, "error", err)
		}
	}
	for nodeID, idents := range toStart {
		if err := l.sm.StartInstances(ctx, nodeID, services, layers, idents, forceRestart); err != nil {
			for _, ident := range idents {
				l.setStatus(cloudprotocol.InstanceStatus{
					Ident: ident, NodeID: nodeID, State: cloudprotocol.InstanceStateFailed,
					Error: &cloudprotocol.ErrorInfo{Message: err.Error()},
				})
			}
			continue
		}
		for _, ident := range idents {
			l.setStatus(cloudprotocol.InstanceStatus{Ident: ident, NodeID: nodeID, State: cloudprotocol.InstanceStateActivating})
		}
	}

	l.mu.Lock()
	l.placement = newPlacement
	l.mu.Unlock()

	for key, rec := range newPlacement {
		if err := l.bucket.Put(key, rec); err != nil {
			l.log.Warnw("persist placement failed", "key", key, "error", err)
		}
	}
	for key := range current {
		if _, stillPlaced := newPlacement[key]; !stillPlaced {
			if err := l.bucket.Delete(key); err != nil {
				l.log.Warnw("delete placement failed", "key", key, "error", err)
			}
		}
	}
	return nil
}

// OverrideEnvVars dispatches per-node env-var overrides to instances
// matching an ident filter, reverting automatically at until (§4.7).
func (l *Launcher) OverrideEnvVars(ctx context.Context, idents []cloudprotocol.InstanceIdent, vars []string, until time.Time) error {
	l.mu.Lock()
	byNode := make(map[string][]cloudprotocol.InstanceIdent)
	for _, ident := range idents {
		if rec, ok := l.placement[placementKey(ident)]; ok {
			byNode[rec.NodeID] = append(byNode[rec.NodeID], ident)
		}
	}
	l.mu.Unlock()

	for nodeID, nodeIdents := range byNode {
		if err := l.sm.OverrideEnvVars(ctx, nodeID, nodeIdents, vars); err != nil {
			return aoserrors.Wrapf(aoserrors.KindFailed, err, "override env vars on %s", nodeID)
		}
	}

	l.overridesMu.Lock()
	l.overrides = append(l.overrides, envOverride{idents: idents, vars: vars, until: until})
	l.overridesMu.Unlock()
	return nil
}

// SweepExpiredOverrides reverts overrides whose TTL has passed. Callers
// invoke this on a timer (§4.7: "TTL expiry silently reverts the
// override").
func (l *Launcher) SweepExpiredOverrides(ctx context.Context, now time.Time) {
	l.overridesMu.Lock()
	var expired []envOverride
	var remaining []envOverride
	for _, o := range l.overrides {
		if now.After(o.until) {
			expired = append(expired, o)
		} else {
			remaining = append(remaining, o)
		}
	}
	l.overrides = remaining
	l.overridesMu.Unlock()

	for _, o := range expired {
		l.mu.Lock()
		byNode := make(map[string][]cloudprotocol.InstanceIdent)
		for _, ident := range o.idents {
			if rec, ok := l.placement[placementKey(ident)]; ok {
				byNode[rec.NodeID] = append(byNode[rec.NodeID], ident)
			}
		}
		l.mu.Unlock()
		for nodeID, idents := range byNode {
			if err := l.sm.OverrideEnvVars(ctx, nodeID, idents, nil); err != nil {
				l.log.Warnw("revert env override failed", "nodeId", nodeID, "error", err)
			}
		}
	}
}
