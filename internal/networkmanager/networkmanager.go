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

// Package networkmanager implements the Network Manager component (spec
// §4.6/L7): per-instance IP/DNS/firewall parameter allocation and the
// CNI veth+bridge orchestration contract a node-local agent must honour.
package networkmanager

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/storage"
)

// NetworkParameters is the per-instance allocation result (§4.6).
type NetworkParameters struct {
	IP               string   `json:"ip"`
	Subnet           string   `json:"subnet"`
	DNSServers       []string `json:"dnsServers"`
	AllowedIngress   []string `json:"allowedIngress,omitempty"`
	ExposedPorts     []string `json:"exposedPorts,omitempty"`
}

// CNIOrchestrator is the node-local contract: wire up a veth+bridge pair
// for an instance, and restart the DNS server after any network
// mutation (§4.6: "RestartDNSServer is a side-effect the node-local
// component must honour").
type CNIOrchestrator interface {
	ApplyNetwork(nodeID string, ident cloudprotocol.InstanceIdent, params NetworkParameters) error
	RestartDNSServer(nodeID string) error
	UpdateFirewall(nodeID string, providers []string) error
}

type allocKey struct {
	ItemID    string
	SubjectID string
	Index     uint32
	NetworkID string
	NodeID    string
}

func (k allocKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%s/%s", k.ItemID, k.SubjectID, k.Index, k.NetworkID, k.NodeID)
}

type allocRecord struct {
	Key    string `json:"key"`
	IP     string `json:"ip"`
	LastAt int64  `json:"lastAt"` // monotonically increasing touch counter, not wall time
}

// Manager allocates NetworkParameters per (instance, networkID, node),
// deterministically and idempotently (§4.6).
type Manager struct {
	mu        sync.Mutex
	bucket    *storage.Bucket
	orch      CNIOrchestrator
	subnet    *net.IPNet
	dnsServers []string

	byKey   map[string]allocRecord // allocKey.String() -> record
	byIP    map[string]string      // ip -> allocKey.String(), for reuse/free lookups
	used    map[string]bool        // ip -> currently in use
	freedAt map[string]int64       // ip -> touch counter at release, for LRU reuse ordering
	touch   int64
}

// New loads persisted allocations for subnet/dnsServers.
func New(store *storage.Store, orch CNIOrchestrator, subnetCIDR string, dnsServers []string) (*Manager, error) {
	_, subnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindInvalidArg, err, "parse subnet %q", subnetCIDR)
	}
	bucket, err := store.Bucket("network")
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "open network bucket")
	}
	m := &Manager{
		bucket:     bucket,
		orch:       orch,
		subnet:     subnet,
		dnsServers: dnsServers,
		byKey:      make(map[string]allocRecord),
		byIP:       make(map[string]string),
		used:       make(map[string]bool),
		freedAt:    make(map[string]int64),
	}
	keys, err := bucket.Keys()
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "list network allocations")
	}
	for _, key := range keys {
		var rec allocRecord
		ok, err := bucket.Get(key, &rec)
		if err != nil {
			return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "load allocation %s", key)
		}
		if ok {
			m.byKey[key] = rec
			m.byIP[rec.IP] = key
			m.used[rec.IP] = true
			if rec.LastAt > m.touch {
				m.touch = rec.LastAt
			}
		}
	}
	return m, nil
}

// Allocate returns the NetworkParameters for (ident, networkID, nodeID),
// creating a new deterministic allocation on first call and returning
// the same IP on every subsequent call for the same inputs (§4.6
// "Allocation is idempotent and deterministic per unit").
func (m *Manager) Allocate(nodeID, networkID string, ident cloudprotocol.InstanceIdent) (NetworkParameters, error) {
	key := allocKey{ItemID: ident.ItemID, SubjectID: ident.SubjectID, Index: ident.Index, NetworkID: networkID, NodeID: nodeID}.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.byKey[key]; ok {
		m.touch++
		rec.LastAt = m.touch
		m.byKey[key] = rec
		return m.paramsFor(rec.IP), nil
	}

	ip, err := m.nextFreeIPLocked()
	if err != nil {
		return NetworkParameters{}, err
	}
	m.touch++
	rec := allocRecord{Key: key, IP: ip, LastAt: m.touch}
	m.byKey[key] = rec
	m.byIP[ip] = key
	m.used[ip] = true
	if err := m.bucket.Put(key, rec); err != nil {
		return NetworkParameters{}, aoserrors.Wrapf(aoserrors.KindFailed, err, "persist allocation %s", key)
	}

	params := m.paramsFor(ip)
	if m.orch != nil {
		if err := m.orch.ApplyNetwork(nodeID, ident, params); err != nil {
			return NetworkParameters{}, aoserrors.Wrapf(aoserrors.KindFailed, err, "apply network for %s", key)
		}
		if err := m.orch.RestartDNSServer(nodeID); err != nil {
			return NetworkParameters{}, aoserrors.Wrapf(aoserrors.KindFailed, err, "restart dns server on %s", nodeID)
		}
	}
	return params, nil
}

func (m *Manager) paramsFor(ip string) NetworkParameters {
	return NetworkParameters{
		IP:         ip,
		Subnet:     m.subnet.String(),
		DNSServers: append([]string(nil), m.dnsServers...),
	}
}

// Release frees the IP bound to (ident, networkID, nodeID), making it the
// LRU reuse candidate for future allocations (§4.6 "Unique IP assignment
// uses a persisted per-network allocator with LRU reuse of freed
// addresses").
func (m *Manager) Release(nodeID, networkID string, ident cloudprotocol.InstanceIdent) error {
	key := allocKey{ItemID: ident.ItemID, SubjectID: ident.SubjectID, Index: ident.Index, NetworkID: networkID, NodeID: nodeID}.String()

	m.mu.Lock()
	rec, ok := m.byKey[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.byKey, key)
	delete(m.byIP, rec.IP)
	m.used[rec.IP] = false
	m.touch++
	m.freedAt[rec.IP] = m.touch
	m.mu.Unlock()

	return aoserrors.Wrapf(aoserrors.KindFailed, m.bucket.Delete(key), "release allocation %s", key)
}

// nextFreeIPLocked returns an unused address, preferring the
// longest-unused freed address (LRU reuse) before minting a new one.
func (m *Manager) nextFreeIPLocked() (string, error) {
	type candidate struct {
		ip      string
		lastAt  int64
	}
	var freed []candidate
	for ip, inUse := range m.used {
		if !inUse {
			freed = append(freed, candidate{ip: ip, lastAt: m.freedAt[ip]})
		}
	}
	if len(freed) > 0 {
		sort.Slice(freed, func(i, j int) bool { return freed[i].lastAt < freed[j].lastAt })
		chosen := freed[0].ip
		delete(m.freedAt, chosen)
		return chosen, nil
	}

	ip := firstIP(m.subnet)
	for m.subnet.Contains(ip) {
		key := ip.String()
		if !m.used[key] {
			if !ip.Equal(m.subnet.IP) && !isBroadcast(ip, m.subnet) {
				return key, nil
			}
		}
		ip = nextIP(ip)
	}
	return "", aoserrors.Errorf(aoserrors.KindNoSpace, "no free address in subnet %s", m.subnet.String())
}

func firstIP(subnet *net.IPNet) net.IP {
	ip := make(net.IP, len(subnet.IP))
	copy(ip, subnet.IP)
	return nextIP(ip)
}

func nextIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func isBroadcast(ip net.IP, subnet *net.IPNet) bool {
	bcast := make(net.IP, len(subnet.IP))
	for i := range subnet.IP {
		bcast[i] = subnet.IP[i] | ^subnet.Mask[i]
	}
	return ip.Equal(bcast)
}

// UpdateProviderNetwork recomputes routing/firewall for a provider set
// change on nodeID (§4.6).
func (m *Manager) UpdateProviderNetwork(nodeID string, providers []string) error {
	if m.orch == nil {
		return nil
	}
	return aoserrors.Wrapf(aoserrors.KindFailed, m.orch.UpdateFirewall(nodeID, providers), "update provider network on %s", nodeID)
}
