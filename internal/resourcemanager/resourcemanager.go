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

// Package resourcemanager defines the SM-side Resource Manager contract
// (spec §2, L6): advertising host devices, resources and alert rules per
// node-type. The component is contract-only on the CM side — the CM
// consumes what a node advertises, it does not own or allocate devices.
package resourcemanager

import "sync"

// DeviceInfo describes one host device a node-type makes available to
// instances (e.g. a GPU, a serial port).
type DeviceInfo struct {
	Name       string   `json:"name"`
	SharedCount int     `json:"sharedCount"`
	Groups     []string `json:"groups,omitempty"`
	HostDevices []string `json:"hostDevices"`
}

// ResourceInfo names a higher-level resource bundle (groups + mounts +
// env vars) instances can request by name.
type ResourceInfo struct {
	Name   string   `json:"name"`
	Groups []string `json:"groups,omitempty"`
	Mounts []string `json:"mounts,omitempty"`
	Env    []string `json:"env,omitempty"`
}

// AlertRuleInfo is a node-type-specific threshold the Monitoring
// Aggregator's alert derivation (if any) should apply.
type AlertRuleInfo struct {
	Name      string  `json:"name"`
	MinTimeMs uint64  `json:"minTimeMs"`
	MinThreshold float64 `json:"minThreshold"`
	MaxThreshold float64 `json:"maxThreshold"`
}

// NodeResources is everything a node-type advertises.
type NodeResources struct {
	NodeType  string          `json:"nodeType"`
	Devices   []DeviceInfo    `json:"devices,omitempty"`
	Resources []ResourceInfo  `json:"resources,omitempty"`
	Alerts    []AlertRuleInfo `json:"alertRules,omitempty"`
}

// Provider exposes a node-type's advertisement to callers that need to
// resolve a resource/device name for it. Registry is its only
// implementation; no other package in this module uses it.
type Provider interface {
	NodeResources(nodeType string) (NodeResources, bool)
}

// Registry is the simple in-memory Provider implementation, fed via
// Update. mu guards byNodeType so Update may run concurrently with
// NodeResources/ResolveDevice.
type Registry struct {
	mu         sync.RWMutex
	byNodeType map[string]NodeResources
}

// NewRegistry constructs an empty Provider ready to be fed via Update.
func NewRegistry() *Registry {
	return &Registry{byNodeType: make(map[string]NodeResources)}
}

// Update records/replaces the advertisement for a node-type.
func (r *Registry) Update(res NodeResources) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byNodeType[res.NodeType] = res
}

// NodeResources implements Provider.
func (r *Registry) NodeResources(nodeType string) (NodeResources, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.byNodeType[nodeType]
	return res, ok
}

// ResolveDevice looks up a device by name within a node-type's
// advertisement.
func (r *Registry) ResolveDevice(nodeType, deviceName string) (DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.byNodeType[nodeType]
	if !ok {
		return DeviceInfo{}, false
	}
	for _, d := range res.Devices {
		if d.Name == deviceName {
			return d, true
		}
	}
	return DeviceInfo{}, false
}
