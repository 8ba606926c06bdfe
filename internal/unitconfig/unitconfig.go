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

// Package unitconfig implements the Unit Config component (spec §4.3):
// parses the unit-wide config, derives and versions per-node config, and
// pushes changes to every known node, with semver monotonicity and a
// self-healing re-push when a node reports a stale version.
package unitconfig

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/storage"
	"go.uber.org/zap"
)

// NodeConfig is one node-scoped slice of the unit config, keyed either by
// exact NodeID or by NodeType (§3).
type NodeConfig struct {
	NodeID   string          `json:"nodeId,omitempty"`
	NodeType string          `json:"nodeType,omitempty"`
	Config   json.RawMessage `json:"config"`
}

// Data is the on-disk/wire representation of the unit config (§3).
type Data struct {
	Version       string       `json:"version"`
	FormatVersion string       `json:"formatVersion"`
	NodeConfigs   []NodeConfig `json:"nodeConfigs"`
}

// State is the aggregated state the unit config component is in.
type State string

const (
	StateAbsent    State = "absent"
	StateInstalled State = "installed"
	StateFailed    State = "failed"
)

// NodeIdentityLookup resolves the nodes currently known to the unit, so
// UpdateUnitConfig can fan out in a stable, deterministic order.
type NodeIdentityLookup interface {
	GetAllNodeIDs() []string
	NodeType(nodeID string) (string, bool)
}

// NodeConfigController is the per-node contract the Unit Config fans out
// to (§4.3); SM Controller implements this (§4.11).
type NodeConfigController interface {
	CheckNodeConfig(ctx context.Context, nodeID, version string, cfg json.RawMessage) error
	SetNodeConfig(ctx context.Context, nodeID, version string, cfg json.RawMessage) error
}

// NodeConfigChangeListener is notified when the node config for the
// current node (the one this CM instance itself runs on, if any) changes.
type NodeConfigChangeListener interface {
	OnNodeConfigChanged(version string, cfg json.RawMessage)
}

// UnitConfig owns the authoritative unit config and its distribution.
type UnitConfig struct {
	mu        sync.Mutex
	path      string
	state     State
	data      Data
	lastErr   error
	nodes     NodeIdentityLookup
	ctrl      NodeConfigController
	selfNode  string // NodeID of the node this CM instance itself runs on, "" if none
	listeners []NodeConfigChangeListener
	log       *zap.SugaredLogger
}

// New loads path (creating an Absent in-memory state if it does not
// exist) and returns the component ready to serve Check/Update calls.
func New(path string, selfNode string, nodes NodeIdentityLookup, ctrl NodeConfigController, log *zap.SugaredLogger) *UnitConfig {
	uc := &UnitConfig{
		path:     path,
		nodes:    nodes,
		ctrl:     ctrl,
		selfNode: selfNode,
		log:      log,
	}
	var d Data
	if err := storage.ReadJSON(path, &d); err != nil {
		uc.state = StateAbsent
		uc.data = Data{Version: "0.0.0"}
		return uc
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		uc.state = StateFailed
		uc.lastErr = aoserrors.Wrapf(aoserrors.KindFailed, err, "parse unit config version %q", d.Version)
		uc.data = Data{Version: "0.0.0"}
		return uc
	}
	uc.state = StateInstalled
	uc.data = d
	return uc
}

// State returns the current aggregate state and, if Failed, the error.
func (uc *UnitConfig) State() (State, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.state, uc.lastErr
}

// Version returns the currently installed version string.
func (uc *UnitConfig) Version() string {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.data.Version
}

// Subscribe registers a listener for node-config changes affecting the
// current node.
func (uc *UnitConfig) Subscribe(l NodeConfigChangeListener) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.listeners = append(uc.listeners, l)
}

// lookupConfig implements the tie-break rule: exact NodeID match wins,
// else first NodeType match, else NotFound (§4.3).
func lookupConfig(data Data, nodeID, nodeType string) (NodeConfig, error) {
	for _, nc := range data.NodeConfigs {
		if nc.NodeID != "" && nc.NodeID == nodeID {
			return nc, nil
		}
	}
	for _, nc := range data.NodeConfigs {
		if nc.NodeID == "" && nc.NodeType != "" && nc.NodeType == nodeType {
			return nc, nil
		}
	}
	return NodeConfig{}, aoserrors.Errorf(aoserrors.KindNotFound, "no node config for node %q type %q", nodeID, nodeType)
}

// LookupForNode returns the config slice that applies to nodeID/nodeType.
func (uc *UnitConfig) LookupForNode(nodeID, nodeType string) (json.RawMessage, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	nc, err := lookupConfig(uc.data, nodeID, nodeType)
	if err != nil {
		return nil, err
	}
	return nc.Config, nil
}

func compareVersions(candidate, current string) (int, error) {
	cv, err := semver.NewVersion(candidate)
	if err != nil {
		return 0, aoserrors.Wrapf(aoserrors.KindInvalidArg, err, "parse candidate version %q", candidate)
	}
	curv, err := semver.NewVersion(current)
	if err != nil {
		return 0, aoserrors.Wrapf(aoserrors.KindFailed, err, "parse current version %q", current)
	}
	return cv.Compare(curv), nil
}

// CheckUnitConfig validates monotonicity and fans out CheckNodeConfig to
// every known node so each can pre-validate its slice (§4.3, §8 scenario
// 3). It does not mutate state.
func (uc *UnitConfig) CheckUnitConfig(ctx context.Context, candidate Data) error {
	uc.mu.Lock()
	cmp, err := compareVersions(candidate.Version, uc.data.Version)
	if err != nil {
		uc.mu.Unlock()
		return err
	}
	if cmp == 0 {
		uc.mu.Unlock()
		return aoserrors.Errorf(aoserrors.KindAlreadyExist, "unit config %s already installed", candidate.Version)
	}
	if cmp < 0 {
		uc.mu.Unlock()
		return aoserrors.Errorf(aoserrors.KindWrongState, "candidate version %s older than current %s", candidate.Version, uc.data.Version)
	}
	nodeIDs := uc.nodes.GetAllNodeIDs()
	uc.mu.Unlock()

	for _, nodeID := range nodeIDs {
		nodeType, _ := uc.nodes.NodeType(nodeID)
		nc, err := lookupConfig(candidate, nodeID, nodeType)
		if err != nil {
			continue // node has no applicable slice; nothing to pre-validate
		}
		if err := uc.ctrl.CheckNodeConfig(ctx, nodeID, candidate.Version, nc.Config); err != nil {
			return aoserrors.Wrapf(aoserrors.KindFailed, err, "node %s rejected candidate config", nodeID)
		}
	}
	return nil
}

// UpdateUnitConfig installs candidate: rewrites the file atomically,
// updates in-memory state, fans SetNodeConfig to every node in
// GetAllNodeIDs order, and notifies local listeners only for the current
// node (§4.3, §8 scenario 3, §8 invariant 6).
func (uc *UnitConfig) UpdateUnitConfig(ctx context.Context, candidate Data) error {
	uc.mu.Lock()
	cmp, err := compareVersions(candidate.Version, uc.data.Version)
	if err != nil {
		uc.mu.Unlock()
		return err
	}
	if cmp == 0 {
		uc.mu.Unlock()
		return aoserrors.Errorf(aoserrors.KindAlreadyExist, "unit config %s already installed", candidate.Version)
	}
	if cmp < 0 {
		uc.mu.Unlock()
		return aoserrors.Errorf(aoserrors.KindWrongState, "candidate version %s older than current %s", candidate.Version, uc.data.Version)
	}

	if err := storage.WriteJSONAtomic(uc.path, candidate); err != nil {
		uc.state = StateFailed
		uc.lastErr = err
		uc.mu.Unlock()
		return err
	}
	uc.data = candidate
	uc.state = StateInstalled
	uc.lastErr = nil
	nodeIDs := uc.nodes.GetAllNodeIDs()
	selfNode := uc.selfNode
	listeners := append([]NodeConfigChangeListener(nil), uc.listeners...)
	uc.mu.Unlock()

	for _, nodeID := range nodeIDs {
		nodeType, _ := uc.nodes.NodeType(nodeID)
		nc, err := lookupConfig(candidate, nodeID, nodeType)
		if err != nil {
			continue
		}
		if err := uc.ctrl.SetNodeConfig(ctx, nodeID, candidate.Version, nc.Config); err != nil {
			uc.log.Warnw("set node config failed", "nodeId", nodeID, "error", err)
			continue
		}
		if nodeID == selfNode {
			for _, l := range listeners {
				l.OnNodeConfigChanged(candidate.Version, nc.Config)
			}
		}
	}
	return nil
}

// OnNodeConfigStatus implements the self-healing push (§4.3): when a
// previously-failing node reports a stale version, the CM proactively
// re-pushes the current config to it.
func (uc *UnitConfig) OnNodeConfigStatus(ctx context.Context, status cloudprotocol.NodeConfigStatus) {
	uc.mu.Lock()
	current := uc.data
	uc.mu.Unlock()

	if status.Error == nil && status.Version == current.Version {
		return
	}
	nc, err := lookupConfig(current, status.NodeID, status.NodeType)
	if err != nil {
		return
	}
	if err := uc.ctrl.SetNodeConfig(ctx, status.NodeID, current.Version, nc.Config); err != nil {
		uc.log.Warnw("self-heal set node config failed", "nodeId", status.NodeID, "error", err)
	}
}
