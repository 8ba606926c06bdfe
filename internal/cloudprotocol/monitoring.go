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

package cloudprotocol

import "time"

// MonitoringData is a single timestamped resource-usage sample (§3).
type MonitoringData struct {
	Timestamp  time.Time       `json:"timestamp"`
	CPU        float64         `json:"cpu"`
	RAM        uint64          `json:"ram"`
	Partitions []PartitionUsage `json:"partitions,omitempty"`
	Download   uint64          `json:"download"`
	Upload     uint64          `json:"upload"`
}

// PartitionUsage is the used-bytes sample for one partition.
type PartitionUsage struct {
	Name      string `json:"name"`
	UsedSize  uint64 `json:"usedSize"`
}

// NodeStateInfo is one node-state transition observed by the monitoring
// window (§3, collapsed per §4.10).
type NodeStateInfo struct {
	Timestamp time.Time `json:"timestamp"`
	State     NodeState `json:"state"`
}

// InstanceStateInfo is one instance-state transition observed by the
// monitoring window.
type InstanceStateInfo struct {
	Timestamp time.Time     `json:"timestamp"`
	State     InstanceState `json:"state"`
}

// NodeMonitoringData is the per-node monitoring sample plus its state
// transition stream and the rolled-up per-instance samples for instances
// placed on that node (§8 invariant 3 relates these sets across nodes).
type NodeMonitoringData struct {
	NodeID    string               `json:"nodeId"`
	Data      MonitoringData       `json:"data"`
	States    []NodeStateInfo      `json:"states,omitempty"`
	Instances []InstanceMonitoringData `json:"instances,omitempty"`
}

// InstanceMonitoringData is the per-instance monitoring sample plus its
// state transition stream.
type InstanceMonitoringData struct {
	Ident  InstanceIdent       `json:"ident"`
	Data   MonitoringData      `json:"data"`
	States []InstanceStateInfo `json:"states,omitempty"`
}

// Monitoring is the outbound aggregated message sent to the cloud on the
// monitoring channel (§4.10, §6).
type Monitoring struct {
	Nodes []NodeMonitoringData `json:"nodes"`
}
