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

package networkmanager

import (
	"path/filepath"
	"testing"

	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/storage"
	"github.com/stretchr/testify/require"
)

type fakeOrch struct {
	applied  int
	restarts int
}

func (f *fakeOrch) ApplyNetwork(nodeID string, ident cloudprotocol.InstanceIdent, params NetworkParameters) error {
	f.applied++
	return nil
}

func (f *fakeOrch) RestartDNSServer(nodeID string) error {
	f.restarts++
	return nil
}

func (f *fakeOrch) UpdateFirewall(nodeID string, providers []string) error { return nil }

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "net.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAllocateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	orch := &fakeOrch{}
	m, err := New(store, orch, "10.10.0.0/24", []string{"10.10.0.1"})
	require.NoError(t, err)

	ident := cloudprotocol.InstanceIdent{ItemID: "svc1", SubjectID: "", Index: 0}
	p1, err := m.Allocate("node1", "net0", ident)
	require.NoError(t, err)

	p2, err := m.Allocate("node1", "net0", ident)
	require.NoError(t, err)
	require.Equal(t, p1.IP, p2.IP)
	require.Equal(t, 1, orch.applied)
}

func TestAllocateDifferentInstancesGetDifferentIPs(t *testing.T) {
	store := openTestStore(t)
	m, err := New(store, &fakeOrch{}, "10.10.0.0/24", nil)
	require.NoError(t, err)

	p1, err := m.Allocate("node1", "net0", cloudprotocol.InstanceIdent{ItemID: "svc1", Index: 0})
	require.NoError(t, err)
	p2, err := m.Allocate("node1", "net0", cloudprotocol.InstanceIdent{ItemID: "svc2", Index: 0})
	require.NoError(t, err)
	require.NotEqual(t, p1.IP, p2.IP)
}

func TestReleaseThenReallocateReusesFreedAddress(t *testing.T) {
	store := openTestStore(t)
	m, err := New(store, &fakeOrch{}, "10.10.0.0/24", nil)
	require.NoError(t, err)

	ident := cloudprotocol.InstanceIdent{ItemID: "svc1", Index: 0}
	p1, err := m.Allocate("node1", "net0", ident)
	require.NoError(t, err)
	require.NoError(t, m.Release("node1", "net0", ident))

	ident2 := cloudprotocol.InstanceIdent{ItemID: "svc2", Index: 0}
	p2, err := m.Allocate("node1", "net0", ident2)
	require.NoError(t, err)
	require.Equal(t, p1.IP, p2.IP)
}

func TestAllocationsPersistAcrossReopen(t *testing.T) {
	store := openTestStore(t)
	m, err := New(store, &fakeOrch{}, "10.10.0.0/24", nil)
	require.NoError(t, err)
	ident := cloudprotocol.InstanceIdent{ItemID: "svc1", Index: 0}
	p1, err := m.Allocate("node1", "net0", ident)
	require.NoError(t, err)

	reopened, err := New(store, &fakeOrch{}, "10.10.0.0/24", nil)
	require.NoError(t, err)
	p2, err := reopened.Allocate("node1", "net0", ident)
	require.NoError(t, err)
	require.Equal(t, p1.IP, p2.IP)
}
