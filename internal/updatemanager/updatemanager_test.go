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

package updatemanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeUnitConfig struct{ calls int }

func (f *fakeUnitConfig) UpdateUnitConfig(ctx context.Context, data cloudprotocol.UnitConfigDesired) error {
	f.calls++
	return nil
}

type fakeImages struct{ installed []string }

func (f *fakeImages) Install(ctx context.Context, item cloudprotocol.UpdateItem) error {
	f.installed = append(f.installed, item.Identity.ItemID)
	return nil
}

type fakeLauncher struct{ ran bool }

func (f *fakeLauncher) RunInstances(ctx context.Context, services, layers []string, instances []cloudprotocol.InstanceInfo, forceRestart bool) error {
	f.ran = true
	return nil
}

type fakeSender struct {
	sent chan cloudprotocol.UnitStatus
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan cloudprotocol.UnitStatus, 16)}
}

func (f *fakeSender) SendUnitStatus(ctx context.Context, status cloudprotocol.UnitStatus) error {
	f.sent <- status
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "update.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFullReconcileCycleReachesNone(t *testing.T) {
	store := openTestStore(t)
	uc := &fakeUnitConfig{}
	images := &fakeImages{}
	launcherFake := &fakeLauncher{}
	sender := newFakeSender()

	m, err := New(store, uc, images, launcherFake, sender, true, zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.OnConnect()
	select {
	case <-sender.sent: // initial full status on connect
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect status")
	}

	m.OnDesiredStatus(cloudprotocol.DesiredStatus{
		UpdateItems: []cloudprotocol.UpdateItem{{Identity: cloudprotocol.Identity{ItemID: "svc1"}}},
		UnitConfig:  &cloudprotocol.UnitConfigDesired{Version: "1.0.0"},
	})

	select {
	case status := <-sender.sent:
		require.False(t, status.IsDelta)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalize status")
	}

	require.Eventually(t, func() bool { return m.State() == StateNone }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"svc1"}, images.installed)
	require.True(t, launcherFake.ran)
	require.Equal(t, 1, uc.calls)
}

func TestStatusCoalescesWhileDisconnected(t *testing.T) {
	store := openTestStore(t)
	sender := newFakeSender()
	m, err := New(store, &fakeUnitConfig{}, &fakeImages{}, &fakeLauncher{}, sender, false, zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.OnComponentStatus(cloudprotocol.UnitStatus{UnitSubjects: []string{"a"}})
	m.OnComponentStatus(cloudprotocol.UnitStatus{UnitSubjects: []string{"b"}})

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.pending.UnitSubjects) == 1 && m.pending.UnitSubjects[0] == "b"
	}, time.Second, 10*time.Millisecond)

	select {
	case <-sender.sent:
		t.Fatal("should not send while disconnected")
	default:
	}
}

func TestPersistedStateSurvivesReload(t *testing.T) {
	store := openTestStore(t)
	sender := newFakeSender()
	m, err := New(store, &fakeUnitConfig{}, &fakeImages{}, &fakeLauncher{}, sender, false, zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	m.OnDesiredStatus(cloudprotocol.DesiredStatus{UpdateItems: []cloudprotocol.UpdateItem{{Identity: cloudprotocol.Identity{ItemID: "svc1"}}}})
	go m.Run(ctx)

	require.Eventually(t, func() bool { return m.State() == StatePending }, time.Second, 10*time.Millisecond)
	cancel()

	reloaded, err := New(store, &fakeUnitConfig{}, &fakeImages{}, &fakeLauncher{}, sender, false, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Equal(t, StatePending, reloaded.State())
}
