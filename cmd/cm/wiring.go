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
	"encoding/json"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/cloudclient"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/launcher"
	"github.com/aosedge/aos_communicationmanager/internal/nodeinfo"
	"github.com/aosedge/aos_communicationmanager/internal/nodemanager"
	"github.com/aosedge/aos_communicationmanager/internal/smcontroller"
	"github.com/aosedge/aos_communicationmanager/internal/smproto"
	"github.com/aosedge/aos_communicationmanager/internal/unitconfig"
	"github.com/aosedge/aos_communicationmanager/internal/updatemanager"
	"go.uber.org/zap"
)

// unitConfigAdapter bridges updatemanager.UnitConfigInstaller (the cloud's
// UnitConfigDesired wire shape, an opaque Raw payload plus version) onto
// unitconfig.UnitConfig.UpdateUnitConfig (the parsed Data shape). The two
// components model the same candidate at different points of the
// pipeline, so the conversion lives here rather than in either package.
type unitConfigAdapter struct {
	uc *unitconfig.UnitConfig
}

func (a unitConfigAdapter) UpdateUnitConfig(ctx context.Context, desired cloudprotocol.UnitConfigDesired) error {
	var nodeConfigs []unitconfig.NodeConfig
	if err := json.Unmarshal(desired.Raw, &nodeConfigs); err != nil {
		return err
	}
	return a.uc.UpdateUnitConfig(ctx, unitconfig.Data{
		Version:       desired.Version,
		FormatVersion: desired.FormatVersion,
		NodeConfigs:   nodeConfigs,
	})
}

// nodeCandidateSource adapts the Node Manager's persisted cache onto
// launcher.NodeSource. Per-node Priority/Labels/Groups aren't modeled by
// any upstream component yet (they would come from a node-group/affinity
// concept the rest of the pipeline doesn't carry) and default to the
// zero value; every online node is an equally-eligible candidate until
// that's wired up.
type nodeCandidateSource struct {
	nodes *nodemanager.Manager
}

func (s nodeCandidateSource) Candidates() []launcher.NodeCandidate {
	all := s.nodes.All()
	out := make([]launcher.NodeCandidate, 0, len(all))
	for _, info := range all {
		out = append(out, launcher.NodeCandidate{
			NodeID: info.NodeID,
			Online: info.IsConnected,
		})
	}
	return out
}

// smControllerRef lets unitconfig.New take the SM Controller as its
// NodeConfigController before the Controller itself exists: the
// Controller's own construction needs the Node Config Status observer
// wired back to the Unit Config component, so the two are built with a
// forward reference and resolved once both exist (see cmd/cm wiring).
type smControllerRef struct {
	sm **smcontroller.Controller
}

func (r smControllerRef) CheckNodeConfig(ctx context.Context, nodeID, version string, cfg json.RawMessage) error {
	return (*r.sm).CheckNodeConfig(ctx, nodeID, version, cfg)
}

func (r smControllerRef) SetNodeConfig(ctx context.Context, nodeID, version string, cfg json.RawMessage) error {
	return (*r.sm).SetNodeConfig(ctx, nodeID, version, cfg)
}

// desiredStatusAdapter drops the ctx cloudclient.DesiredStatusSink passes
// through, since updatemanager.Manager.OnDesiredStatus takes none: it
// enqueues onto a buffered mailbox and blocks only while that is full.
type desiredStatusAdapter struct {
	um *updatemanager.Manager
}

func (a desiredStatusAdapter) OnDesiredStatus(_ context.Context, status cloudprotocol.DesiredStatus) {
	a.um.OnDesiredStatus(status)
}

// smNodeInfoAdapter receives the SM-pushed NodeInfo snapshot over the SM
// Controller stream. The snapshot itself is treated as proof of a fresh
// SM heartbeat for the Node Info Provider's liveness merge (§4.2); the
// merged result that actually reaches the Node Manager's persisted cache
// comes back out through provider.Subscribe, not from this push
// directly.
type smNodeInfoAdapter struct {
	provider *nodeinfo.Provider
}

func (a smNodeInfoAdapter) OnIAMInfo(nodeID string, _ cloudprotocol.NodeInfo) {
	a.provider.OnSMInfoReceived(nodeID)
}

// nodeInfoPersister is the nodeinfo.Listener that commits the Provider's
// merged view into the Node Manager's cache and bbolt-backed store.
type nodeInfoPersister struct {
	nodes *nodemanager.Manager
	log   *zap.SugaredLogger
}

func (p nodeInfoPersister) OnNodeInfoChanged(info cloudprotocol.NodeInfo) {
	if err := p.nodes.SetNodeInfo(info); err != nil {
		p.log.Warnw("persist node info failed", "nodeId", info.NodeID, "error", err)
	}
}

// componentStatusRelay funnels every component-local status change into
// updatemanager.Manager.OnComponentStatus, the single point that coalesces
// them into the delta UnitStatus the cloud link sends (§4.8, §6).
type componentStatusRelay struct {
	um *updatemanager.Manager
}

func (r componentStatusRelay) OnInstanceStatus(status cloudprotocol.InstanceStatus) {
	r.um.OnComponentStatus(cloudprotocol.UnitStatus{IsDelta: true, InstancesStatuses: []cloudprotocol.InstanceStatus{status}})
}

func (r componentStatusRelay) OnNodeInfoChanged(info cloudprotocol.NodeInfo) {
	r.um.OnComponentStatus(cloudprotocol.UnitStatus{IsDelta: true, NodeInfo: []cloudprotocol.NodeInfo{info}})
}

func (r componentStatusRelay) OnItemStatus(status cloudprotocol.UpdateItemStatus) {
	r.um.OnComponentStatus(cloudprotocol.UnitStatus{IsDelta: true, UpdateItemStatus: []cloudprotocol.UpdateItemStatus{status}})
}

// smLogRelay forwards SM-pushed instance log chunks onto the cloud link.
type smLogRelay struct {
	cloud *cloudclient.Client
	log   *zap.SugaredLogger
}

func (r smLogRelay) OnLogReceived(_ string, entry smproto.LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cloud.SendLog(ctx, cloudclient.LogMessage{InstanceID: entry.InstanceID, Data: entry.Data}); err != nil {
		r.log.Warnw("send log failed", "error", err)
	}
}
