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

package launcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNodeSource struct {
	nodes []NodeCandidate
}

func (f *fakeNodeSource) Candidates() []NodeCandidate { return f.nodes }

type fakeSM struct {
	mu       sync.Mutex
	started  map[string][]cloudprotocol.InstanceIdent
	stopped  map[string][]cloudprotocol.InstanceIdent
	failNode string
}

func newFakeSM() *fakeSM {
	return &fakeSM{started: map[string][]cloudprotocol.InstanceIdent{}, stopped: map[string][]cloudprotocol.InstanceIdent{}}
}

func (f *fakeSM) StartInstances(ctx context.Context, nodeID string, services, layers []string, instances []cloudprotocol.InstanceIdent, forceRestart bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if nodeID == f.failNode {
		return context.DeadlineExceeded
	}
	f.started[nodeID] = append(f.started[nodeID], instances...)
	return nil
}

func (f *fakeSM) StopInstances(ctx context.Context, nodeID string, instances []cloudprotocol.InstanceIdent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[nodeID] = append(f.stopped[nodeID], instances...)
	return nil
}

func (f *fakeSM) OverrideEnvVars(ctx context.Context, nodeID string, instances []cloudprotocol.InstanceIdent, vars []string) error {
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "placement.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunInstancesPlacesOnHighestPriorityNode(t *testing.T) {
	store := openTestStore(t)
	nodes := &fakeNodeSource{nodes: []NodeCandidate{
		{NodeID: "node1", Online: true, Priority: 1},
		{NodeID: "node2", Online: true, Priority: 5},
	}}
	sm := newFakeSM()
	l, err := New(store, nodes, sm, zap.NewNop().Sugar())
	require.NoError(t, err)

	instances := []cloudprotocol.InstanceInfo{
		{Identity: cloudprotocol.InstanceIdent{ItemID: "svc1"}, NumInstances: 1},
	}
	require.NoError(t, l.RunInstances(context.Background(), nil, nil, instances, false))

	require.Len(t, sm.started["node2"], 1)
	require.Empty(t, sm.started["node1"])
}

func TestRunInstancesStickyPlacementKeepsNode(t *testing.T) {
	store := openTestStore(t)
	nodes := &fakeNodeSource{nodes: []NodeCandidate{
		{NodeID: "node1", Online: true, Priority: 1},
		{NodeID: "node2", Online: true, Priority: 5},
	}}
	sm := newFakeSM()
	l, err := New(store, nodes, sm, zap.NewNop().Sugar())
	require.NoError(t, err)

	instances := []cloudprotocol.InstanceInfo{
		{Identity: cloudprotocol.InstanceIdent{ItemID: "svc1"}, NumInstances: 1},
	}
	require.NoError(t, l.RunInstances(context.Background(), nil, nil, instances, false))
	require.Len(t, sm.started["node2"], 1)

	// second reconcile with unchanged desired set should not restart
	require.NoError(t, l.RunInstances(context.Background(), nil, nil, instances, false))
	require.Len(t, sm.started["node2"], 1) // still just the first start
}

func TestRunInstancesStopsRemovedInstances(t *testing.T) {
	store := openTestStore(t)
	nodes := &fakeNodeSource{nodes: []NodeCandidate{{NodeID: "node1", Online: true, Priority: 1}}}
	sm := newFakeSM()
	l, err := New(store, nodes, sm, zap.NewNop().Sugar())
	require.NoError(t, err)

	instances := []cloudprotocol.InstanceInfo{
		{Identity: cloudprotocol.InstanceIdent{ItemID: "svc1"}, NumInstances: 1},
	}
	require.NoError(t, l.RunInstances(context.Background(), nil, nil, instances, false))
	require.NoError(t, l.RunInstances(context.Background(), nil, nil, nil, false))

	require.Len(t, sm.stopped["node1"], 1)
}

func TestRunInstancesNoEligibleNodeMarksFailed(t *testing.T) {
	store := openTestStore(t)
	nodes := &fakeNodeSource{}
	sm := newFakeSM()
	l, err := New(store, nodes, sm, zap.NewNop().Sugar())
	require.NoError(t, err)

	instances := []cloudprotocol.InstanceInfo{
		{Identity: cloudprotocol.InstanceIdent{ItemID: "svc1"}, NumInstances: 1},
	}
	require.NoError(t, l.RunInstances(context.Background(), nil, nil, instances, false))

	status, ok := l.Status(cloudprotocol.InstanceIdent{ItemID: "svc1", Index: 0})
	require.True(t, ok)
	require.Equal(t, cloudprotocol.InstanceStateFailed, status.State)
}

func TestOverrideEnvVarsExpiresAndReverts(t *testing.T) {
	store := openTestStore(t)
	nodes := &fakeNodeSource{nodes: []NodeCandidate{{NodeID: "node1", Online: true, Priority: 1}}}
	sm := newFakeSM()
	l, err := New(store, nodes, sm, zap.NewNop().Sugar())
	require.NoError(t, err)

	instances := []cloudprotocol.InstanceInfo{{Identity: cloudprotocol.InstanceIdent{ItemID: "svc1"}, NumInstances: 1}}
	require.NoError(t, l.RunInstances(context.Background(), nil, nil, instances, false))

	ident := cloudprotocol.InstanceIdent{ItemID: "svc1", Index: 0}
	until := time.Now().Add(-time.Minute) // already expired
	require.NoError(t, l.OverrideEnvVars(context.Background(), []cloudprotocol.InstanceIdent{ident}, []string{"A=1"}, until))

	l.SweepExpiredOverrides(context.Background(), time.Now())

	l.overridesMu.Lock()
	remaining := len(l.overrides)
	l.overridesMu.Unlock()
	require.Equal(t, 0, remaining)
}
