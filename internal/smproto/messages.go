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

package smproto

import "github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"

// CMMessage is one envelope CM -> SM over the single registered stream
// (§4.11, §6). Exactly one field is set per message; this is the
// hand-rolled equivalent of a protobuf oneof, since there is no .proto
// compiler available in this toolchain.
type CMMessage struct {
	RequestID string `json:"requestId,omitempty"`

	CheckNodeConfig      *CheckNodeConfigRequest      `json:"checkNodeConfig,omitempty"`
	SetNodeConfig        *SetNodeConfigRequest        `json:"setNodeConfig,omitempty"`
	StartInstances       *StartInstancesRequest       `json:"startInstances,omitempty"`
	StopInstances        *StopInstancesRequest        `json:"stopInstances,omitempty"`
	GetAverageMonitoring *GetAverageMonitoringRequest `json:"getAverageMonitoring,omitempty"`
	OverrideEnvVars      *OverrideEnvVarsRequest      `json:"overrideEnvVars,omitempty"`
}

// SMMessage is one envelope SM -> CM. Response fields correlate to a
// CMMessage by RequestID; the ingress-stream fields (NodeInfo,
// InstanceStatus, Log, Monitoring, Alert, NodeConfigStatus) are
// unsolicited pushes (§4.11: "log/monitor/alert/status ingress").
type SMMessage struct {
	RequestID string `json:"requestId,omitempty"`

	CheckNodeConfigResponse      *StatusResponse              `json:"checkNodeConfigResponse,omitempty"`
	SetNodeConfigResponse        *StatusResponse              `json:"setNodeConfigResponse,omitempty"`
	StartInstancesResponse       *StatusResponse              `json:"startInstancesResponse,omitempty"`
	StopInstancesResponse        *StatusResponse              `json:"stopInstancesResponse,omitempty"`
	GetAverageMonitoringResponse *GetAverageMonitoringResponse `json:"getAverageMonitoringResponse,omitempty"`

	NodeInfo         *cloudprotocol.NodeInfo           `json:"nodeInfo,omitempty"`
	InstanceStatus   *cloudprotocol.InstanceStatus     `json:"instanceStatus,omitempty"`
	Log              *LogEntry                         `json:"log,omitempty"`
	Monitoring       *cloudprotocol.NodeMonitoringData `json:"monitoring,omitempty"`
	Alert            *cloudprotocol.Alert              `json:"alert,omitempty"`
	NodeConfigStatus *cloudprotocol.NodeConfigStatus   `json:"nodeConfigStatus,omitempty"`
}

// CheckNodeConfigRequest / SetNodeConfigRequest carry a raw node config
// slice; the Unit Config component already resolved which slice applies.
type CheckNodeConfigRequest struct {
	Version string `json:"version"`
	Config  []byte `json:"config"`
}

type SetNodeConfigRequest struct {
	Version string `json:"version"`
	Config  []byte `json:"config"`
}

// StartInstancesRequest / StopInstancesRequest mirror the Launcher's
// SMStarter contract (§4.7, §4.11).
type StartInstancesRequest struct {
	Services     []string                      `json:"services,omitempty"`
	Layers       []string                      `json:"layers,omitempty"`
	Instances    []cloudprotocol.InstanceIdent `json:"instances"`
	ForceRestart bool                          `json:"forceRestart"`
}

type StopInstancesRequest struct {
	Instances []cloudprotocol.InstanceIdent `json:"instances"`
}

type OverrideEnvVarsRequest struct {
	Instances []cloudprotocol.InstanceIdent `json:"instances"`
	Vars      []string                      `json:"vars"`
}

type GetAverageMonitoringRequest struct {
	Windows int `json:"windows"`
}

type GetAverageMonitoringResponse struct {
	Data cloudprotocol.MonitoringData `json:"data"`
}

// StatusResponse is the generic ack/error response for the push RPCs.
type StatusResponse struct {
	Error string `json:"error,omitempty"`
}

// LogEntry is one log-ingress record (§4.11 observer streams).
type LogEntry struct {
	InstanceID string `json:"instanceId,omitempty"`
	Data       []byte `json:"data"`
}
