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

// Package updatemanager implements the Update Manager component (spec
// §4.8/L9): the single ordered reconciler that ingests DesiredStatus,
// drives Unit Config / Image Manager / Launcher, and emits UnitStatus.
package updatemanager

import (
	"context"
	"sync"

	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/storage"
	"go.uber.org/zap"
)

// State is the top-level update state machine (§4.8).
type State string

const (
	StateNone       State = "none"
	StateDownloading State = "downloading"
	StatePending     State = "pending"
	StateInstalling  State = "installing"
	StateLaunching   State = "launching"
	StateFinalizing  State = "finalizing"
)

// ImageInstaller drives the Image Manager for the items in a
// DesiredStatus.
type ImageInstaller interface {
	Install(ctx context.Context, item cloudprotocol.UpdateItem) error
}

// UnitConfigInstaller drives the Unit Config component.
type UnitConfigInstaller interface {
	UpdateUnitConfig(ctx context.Context, data cloudprotocol.UnitConfigDesired) error
}

// InstanceRunner drives the Launcher.
type InstanceRunner interface {
	RunInstances(ctx context.Context, services, layers []string, instances []cloudprotocol.InstanceInfo, forceRestart bool) error
}

// CloudSender pushes UnitStatus to the cloud link; only called while
// connected (§4.8 UnitStatus emission).
type CloudSender interface {
	SendUnitStatus(ctx context.Context, status cloudprotocol.UnitStatus) error
}

type persistedState struct {
	Desired cloudprotocol.DesiredStatus `json:"desired"`
	State   State                       `json:"state"`
}

// mailboxEntry is one reconcile trigger (§4.8: "All entries funnel into
// a single mailbox consumed by one task").
type mailboxEntry struct {
	desired    *cloudprotocol.DesiredStatus
	connected  *bool
	statusDiff *cloudprotocol.UnitStatus
}

// Manager is the single-threaded reconciler over UpdateState.
type Manager struct {
	bucket *storage.Bucket

	mu        sync.Mutex
	state     State
	desired   cloudprotocol.DesiredStatus
	connected bool
	pending   cloudprotocol.UnitStatus // coalesced delta while disconnected
	autoInstall bool

	unitConfig UnitConfigInstaller
	images     ImageInstaller
	launcher   InstanceRunner
	sender     CloudSender

	mailbox chan mailboxEntry
	done    chan struct{}
	log     *zap.SugaredLogger
}

const stateKey = "update_state"

// New loads persisted state and returns a Manager; callers must invoke
// Run in a goroutine to start the reconcile loop.
func New(store *storage.Store, unitConfig UnitConfigInstaller, images ImageInstaller, launcher InstanceRunner, sender CloudSender, autoInstall bool, log *zap.SugaredLogger) (*Manager, error) {
	bucket, err := store.Bucket("update")
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "open update bucket")
	}
	m := &Manager{
		bucket:      bucket,
		state:       StateNone,
		unitConfig:  unitConfig,
		images:      images,
		launcher:    launcher,
		sender:      sender,
		autoInstall: autoInstall,
		mailbox:     make(chan mailboxEntry, 32),
		done:        make(chan struct{}),
		log:         log,
	}
	var persisted persistedState
	ok, err := bucket.Get(stateKey, &persisted)
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "load update state")
	}
	if ok {
		m.state = persisted.State
		m.desired = persisted.Desired
	}
	return m, nil
}

// State returns the current machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnDesiredStatus enqueues a new DesiredStatus from the cloud (§4.8
// "None → Downloading on new DesiredStatus").
func (m *Manager) OnDesiredStatus(desired cloudprotocol.DesiredStatus) {
	m.mailbox <- mailboxEntry{desired: &desired}
}

// OnConnect/OnDisconnect gate UnitStatus emission (§4.8).
func (m *Manager) OnConnect() {
	t := true
	m.mailbox <- mailboxEntry{connected: &t}
}

func (m *Manager) OnDisconnect() {
	f := false
	m.mailbox <- mailboxEntry{connected: &f}
}

// OnComponentStatus enqueues a delta contribution from any of Unit
// Config / Node Manager / Image Manager / Launcher (§4.8 "On any
// component status change while connected: send delta").
func (m *Manager) OnComponentStatus(diff cloudprotocol.UnitStatus) {
	m.mailbox <- mailboxEntry{statusDiff: &diff}
}

// Run consumes the mailbox until ctx is cancelled. It is the Update
// Manager's single reconcile task (§4.8).
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-m.mailbox:
			m.handle(ctx, entry)
		}
	}
}

func (m *Manager) handle(ctx context.Context, entry mailboxEntry) {
	switch {
	case entry.desired != nil:
		m.handleDesired(ctx, *entry.desired)
	case entry.connected != nil:
		m.handleConnect(ctx, *entry.connected)
	case entry.statusDiff != nil:
		m.handleDiff(ctx, *entry.statusDiff)
	}
}

func (m *Manager) handleDesired(ctx context.Context, desired cloudprotocol.DesiredStatus) {
	m.mu.Lock()
	m.desired = desired
	m.state = StateDownloading
	m.mu.Unlock()
	m.persist()

	for _, item := range desired.UpdateItems {
		if err := m.images.Install(ctx, item); err != nil {
			m.log.Warnw("install failed", "item", item.Identity.ItemID, "error", err)
		}
	}

	m.mu.Lock()
	m.state = StatePending
	m.mu.Unlock()
	m.persist()

	m.mu.Lock()
	allowed := m.autoInstall
	m.mu.Unlock()
	if !allowed {
		return
	}
	m.install(ctx, desired)
}

// install drives Pending -> Installing -> Launching -> Finalizing ->
// None (§4.8).
func (m *Manager) install(ctx context.Context, desired cloudprotocol.DesiredStatus) {
	m.mu.Lock()
	m.state = StateInstalling
	m.mu.Unlock()
	m.persist()

	if desired.UnitConfig != nil {
		if err := m.unitConfig.UpdateUnitConfig(ctx, *desired.UnitConfig); err != nil {
			m.log.Warnw("unit config update failed", "error", err)
		}
	}

	m.mu.Lock()
	m.state = StateLaunching
	m.mu.Unlock()
	m.persist()

	if err := m.launcher.RunInstances(ctx, nil, nil, desired.Instances, false); err != nil {
		m.log.Warnw("run instances failed", "error", err)
	}

	m.mu.Lock()
	m.state = StateFinalizing
	m.mu.Unlock()
	m.persist()

	m.flush(ctx, cloudprotocol.UnitStatus{IsDelta: false})

	m.mu.Lock()
	m.state = StateNone
	m.mu.Unlock()
	m.persist()
}

func (m *Manager) handleConnect(ctx context.Context, connected bool) {
	m.mu.Lock()
	m.connected = connected
	pending := m.pending
	m.pending = cloudprotocol.UnitStatus{}
	m.mu.Unlock()

	if connected && !pending.Empty() {
		m.flush(ctx, pending)
	}
	if connected {
		m.flush(ctx, cloudprotocol.UnitStatus{IsDelta: false})
	}
}

func (m *Manager) handleDiff(ctx context.Context, diff cloudprotocol.UnitStatus) {
	diff.IsDelta = true
	m.flush(ctx, diff)
}

// flush sends status immediately if connected, else coalesces it into
// the pending buffer (§4.8: "Status is never emitted while
// disconnected; the latest delta is coalesced into a pending buffer").
func (m *Manager) flush(ctx context.Context, status cloudprotocol.UnitStatus) {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		m.mu.Lock()
		m.pending = mergeStatus(m.pending, status)
		m.mu.Unlock()
		return
	}
	if err := m.sender.SendUnitStatus(ctx, status); err != nil {
		m.log.Warnw("send unit status failed", "error", err)
		m.mu.Lock()
		m.pending = mergeStatus(m.pending, status)
		m.mu.Unlock()
	}
}

// mergeStatus coalesces b's populated fields into a, keeping the most
// recent value for each section.
func mergeStatus(a, b cloudprotocol.UnitStatus) cloudprotocol.UnitStatus {
	if b.UnitConfigStatus != nil {
		a.UnitConfigStatus = b.UnitConfigStatus
	}
	if len(b.NodeInfo) > 0 {
		a.NodeInfo = b.NodeInfo
	}
	if len(b.UpdateItemStatus) > 0 {
		a.UpdateItemStatus = b.UpdateItemStatus
	}
	if len(b.InstancesStatuses) > 0 {
		a.InstancesStatuses = b.InstancesStatuses
	}
	if len(b.UnitSubjects) > 0 {
		a.UnitSubjects = b.UnitSubjects
	}
	return a
}

func (m *Manager) persist() {
	m.mu.Lock()
	ps := persistedState{Desired: m.desired, State: m.state}
	m.mu.Unlock()
	if err := m.bucket.Put(stateKey, ps); err != nil {
		m.log.Warnw("persist update state failed", "error", err)
	}
}
