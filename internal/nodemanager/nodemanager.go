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

// Package nodemanager implements the Node Manager component (spec §4.4):
// a thin in-process cache in front of a persistent node-info store, that
// notifies listeners only on observable change.
package nodemanager

import (
	"sync"

	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/storage"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

const bucketName = "nodes"

// Listener is notified when a cached NodeInfo observably changes.
type Listener interface {
	OnNodeInfoChanged(info cloudprotocol.NodeInfo)
}

// Manager is the thin cache + persistent store described in §4.4.
type Manager struct {
	mu        sync.RWMutex
	bucket    *storage.Bucket
	cache     map[string]cloudprotocol.NodeInfo
	listeners []Listener
	log       *zap.SugaredLogger
}

// New loads every persisted row into the cache and returns a ready
// Manager. Persisted rows always have IsConnected=false (§4.4: "liveness
// is runtime-only"), matching what was written.
func New(store *storage.Store, log *zap.SugaredLogger) (*Manager, error) {
	bucket, err := store.Bucket(bucketName)
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "open nodes bucket")
	}
	m := &Manager{
		bucket: bucket,
		cache:  make(map[string]cloudprotocol.NodeInfo),
		log:    log,
	}
	keys, err := bucket.Keys()
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "list persisted nodes")
	}
	for _, key := range keys {
		var info cloudprotocol.NodeInfo
		ok, err := bucket.Get(key, &info)
		if err != nil {
			return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "load node %s", key)
		}
		if ok {
			m.cache[key] = info
		}
	}
	return m, nil
}

// Subscribe registers l for future change notifications.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetNodeInfo upserts the cache and the persisted store, applying the
// §4.4 rules: Unprovisioned nodes are never persisted (their row is
// removed if present), and persisted rows always force IsConnected=false.
// Listeners fire only when the cached value (including IsConnected)
// actually changes.
func (m *Manager) SetNodeInfo(info cloudprotocol.NodeInfo) error {
	m.mu.Lock()
	prev, existed := m.cache[info.NodeID]
	changed := !existed || !cmp.Equal(prev, info)
	m.cache[info.NodeID] = info

	var persistErr error
	if info.State == cloudprotocol.NodeStateUnprovisioned {
		persistErr = m.bucket.Delete(info.NodeID)
	} else {
		persisted := info
		persisted.IsConnected = false
		persistErr = m.bucket.Put(info.NodeID, persisted)
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if persistErr != nil {
		return aoserrors.Wrapf(aoserrors.KindFailed, persistErr, "persist node %s", info.NodeID)
	}
	if changed {
		for _, l := range listeners {
			l.OnNodeInfoChanged(info)
		}
	}
	return nil
}

// Get returns the cached entry for nodeID.
func (m *Manager) Get(nodeID string) (cloudprotocol.NodeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.cache[nodeID]
	return info, ok
}

// All returns every cached node, in no particular order.
func (m *Manager) All() []cloudprotocol.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]cloudprotocol.NodeInfo, 0, len(m.cache))
	for _, info := range m.cache {
		out = append(out, info)
	}
	return out
}

// GetAllNodeIDs implements unitconfig.NodeIdentityLookup.
func (m *Manager) GetAllNodeIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.cache))
	for id := range m.cache {
		ids = append(ids, id)
	}
	return ids
}

// NodeType implements unitconfig.NodeIdentityLookup.
func (m *Manager) NodeType(nodeID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.cache[nodeID]
	if !ok {
		return "", false
	}
	return info.NodeType, true
}
