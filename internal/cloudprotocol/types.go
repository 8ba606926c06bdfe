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

// Package cloudprotocol defines the value types exchanged with the cloud
// and between core components: DesiredStatus/UnitStatus and the entities
// they carry (§3 of the design). Wire encoding is an external collaborator
// — these are semantic Go types, tagged for JSON, not a wire schema.
package cloudprotocol

import "time"

// Bounds mirror the fixed-capacity containers of the C++ source
// (StaticArray/StaticString with compile-time caps); preserved here as
// named constants rather than enforced container types, since Go has no
// compile-time string-length cap. No function in this module checks
// values against them.
const (
	MaxIDLen      = 64
	MaxNumNodes   = 64
	MaxURLLen     = 2048
	MaxMessageLen = 4096
)

// NodeState is the effective, merged state of a node (§4.2).
type NodeState string

const (
	NodeStateProvisioned   NodeState = "provisioned"
	NodeStatePaused        NodeState = "paused"
	NodeStateUnprovisioned NodeState = "unprovisioned"
	NodeStateError         NodeState = "error"
)

// CoreComponent is a daemon role a node advertises.
type CoreComponent string

const (
	ComponentIAM CoreComponent = "iam"
	ComponentCM  CoreComponent = "cm"
	ComponentSM  CoreComponent = "sm"
)

// PartitionInfo is a hardware fact about one mounted partition on a node.
type PartitionInfo struct {
	Name      string   `json:"name"`
	Types     []string `json:"types"`
	TotalSize uint64   `json:"totalSize"`
	Path      string   `json:"path"`
}

// NodeInfo is the authoritative record the Node Info Provider maintains
// per node (§3 Node).
type NodeInfo struct {
	NodeID         string          `json:"nodeId"`
	NodeType       string          `json:"nodeType"`
	Name           string          `json:"name,omitempty"`
	CoreComponents []CoreComponent `json:"coreComponents"`
	NumCPUs        uint32          `json:"numCpus"`
	TotalRAM       uint64          `json:"totalRam"`
	Partitions     []PartitionInfo `json:"partitions"`
	OSType         string          `json:"osType,omitempty"`
	Provisioned    bool            `json:"provisioned"`
	State          NodeState       `json:"state"`
	IsConnected    bool            `json:"isConnected"`
}


// ErrorInfo is the optional error attached to any status record (§7).
type ErrorInfo struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// ItemType distinguishes the kind of update item/instance identity (§3).
type ItemType string

const (
	ItemTypeService   ItemType = "service"
	ItemTypeLayer     ItemType = "layer"
	ItemTypeComponent ItemType = "component"
)

// Identity names an update item within the unit.
type Identity struct {
	ItemID    string   `json:"itemId"`
	SubjectID string   `json:"subjectId,omitempty"`
	ItemType  ItemType `json:"itemType"`
}

// DecryptInfo describes the CMS EnvelopedData parameters needed to decrypt
// an image payload (§6). Only the composition is specified here; the
// cryptographic primitives are an external collaborator.
type DecryptInfo struct {
	BlockAlg     string `json:"blockAlg"`
	BlockIV      []byte `json:"blockIv"`
	BlockKey     []byte `json:"blockKey"`
	AsymAlg      string `json:"asymAlg"`
	ReceiverInfo string `json:"receiverInfo"`
}

// SignInfo describes the signature chain an image must verify against.
type SignInfo struct {
	ChainName  string `json:"chainName"`
	Alg        string `json:"alg"`
	Value      []byte `json:"value"`
	TrustedTS  time.Time `json:"trustedTimestamp,omitempty"`
}

// Image is one content-addressed artifact of an UpdateItem.
type Image struct {
	ImageID     string      `json:"imageId"`
	URLs        []string    `json:"urls"`
	Sha256      string      `json:"sha256"`
	Size        uint64      `json:"size"`
	DecryptInfo DecryptInfo `json:"decryptInfo"`
	SignInfo    SignInfo    `json:"signInfo"`
}

// Digest returns the OCI-convention digest string "sha256:<hex>" for the
// image, the identity half of the (ImageID, SHA-256) content-address pair
// (§3, §6).
func (img Image) Digest() string {
	return "sha256:" + img.Sha256
}

// UpdateItem is a versioned, content-addressed unit of deployable content.
type UpdateItem struct {
	Identity Identity `json:"identity"`
	Owner    string   `json:"owner,omitempty"`
	Version  string   `json:"version"`
	Images   []Image  `json:"images"`
}

// ItemState is the install-pipeline state of an UpdateItem version (§3).
type ItemState string

const (
	ItemStatePending     ItemState = "pending"
	ItemStateDownloading ItemState = "downloading"
	ItemStateUnpacking   ItemState = "unpacking"
	ItemStateInstalled   ItemState = "installed"
	ItemStateCached      ItemState = "cached"
	ItemStateRemoved     ItemState = "removed"
)

// UpdateItemStatus reports the install state of one item version.
type UpdateItemStatus struct {
	Identity Identity   `json:"identity"`
	Version  string     `json:"version"`
	State    ItemState  `json:"state"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// InstanceIdent identifies one placed-and-running copy of an update item
// (§3 Instance).
type InstanceIdent struct {
	ItemID    string   `json:"itemId"`
	SubjectID string   `json:"subjectId"`
	Index     uint32   `json:"index"`
	ItemType  ItemType `json:"itemType"`
}

// InstanceState is the launcher-tracked lifecycle state of an instance.
type InstanceState string

const (
	InstanceStateActivating InstanceState = "activating"
	InstanceStateActive     InstanceState = "active"
	InstanceStateInactive   InstanceState = "inactive"
	InstanceStateFailed     InstanceState = "failed"
)

// InstanceInfo is the desired placement-count descriptor the cloud sends
// for one instance identity family.
type InstanceInfo struct {
	Identity    InstanceIdent `json:"identity"`
	NumInstances uint32       `json:"numInstances"`
	Labels      []string      `json:"labels,omitempty"`
	Priority    uint32        `json:"priority,omitempty"`
}

// InstanceStatus reports one instance's placement and runtime state.
type InstanceStatus struct {
	Ident      InstanceIdent `json:"ident"`
	NodeID     string        `json:"nodeId"`
	State      InstanceState `json:"state"`
	Error      *ErrorInfo    `json:"error,omitempty"`
}

// NodeConfigStatus reports the per-node config install outcome (§3).
type NodeConfigStatus struct {
	NodeID   string     `json:"nodeId"`
	NodeType string     `json:"nodeType"`
	Version  string     `json:"version"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// UnitConfigState is the aggregated global state of the unit config.
type UnitConfigState string

const (
	UnitConfigInstalled UnitConfigState = "installed"
	UnitConfigAbsent    UnitConfigState = "absent"
	UnitConfigFailed    UnitConfigState = "failed"
)

// UnitConfigStatus is the aggregate the CM reports to the cloud.
type UnitConfigStatus struct {
	State   UnitConfigState    `json:"state"`
	Version string             `json:"version"`
	Nodes   []NodeConfigStatus `json:"nodes,omitempty"`
}

// CertificateInfo and CertificateChainInfo carry IAM-issued PKI material
// references; the cryptographic content itself is opaque (external
// collaborator), only placement/identity is modeled.
type CertificateInfo struct {
	NodeID  string `json:"nodeId"`
	Type    string `json:"type"`
	Serial  string `json:"serial"`
	Issuer  string `json:"issuer"`
}

type CertificateChainInfo struct {
	Name         string   `json:"name"`
	Fingerprints []string `json:"fingerprints"`
}

// DesiredStatus is the cloud's declarative input (§3).
type DesiredStatus struct {
	DesiredNodeStates []NodeDesiredState     `json:"desiredNodeStates,omitempty"`
	UnitConfig        *UnitConfigDesired      `json:"unitConfig,omitempty"`
	UpdateItems       []UpdateItem            `json:"updateItems,omitempty"`
	Instances         []InstanceInfo          `json:"instances,omitempty"`
	Certificates      []CertificateInfo       `json:"certificates,omitempty"`
	CertificateChains []CertificateChainInfo  `json:"certificateChains,omitempty"`
}

// NodeDesiredState requests a node-level state transition (e.g. pause).
type NodeDesiredState struct {
	NodeID string    `json:"nodeId"`
	State  NodeState `json:"state"`
}

// UnitConfigDesired is the candidate unit config payload within a
// DesiredStatus.
type UnitConfigDesired struct {
	Version       string          `json:"version"`
	FormatVersion string          `json:"formatVersion"`
	Raw           []byte          `json:"raw"`
}

// UnitStatus is the reported counterpart to DesiredStatus (§3). Every
// field is optional; IsDelta indicates only changed sections are present.
type UnitStatus struct {
	IsDelta            bool                `json:"isDelta"`
	UnitConfigStatus   *UnitConfigStatus   `json:"unitConfigStatus,omitempty"`
	NodeInfo           []NodeInfo          `json:"nodeInfo,omitempty"`
	UpdateItemStatus   []UpdateItemStatus  `json:"updateItemStatus,omitempty"`
	InstancesStatuses  []InstanceStatus    `json:"instancesStatuses,omitempty"`
	UnitSubjects       []string            `json:"unitSubjects,omitempty"`
}

// Empty reports whether a delta status has nothing to send.
func (u UnitStatus) Empty() bool {
	return u.UnitConfigStatus == nil && len(u.NodeInfo) == 0 && len(u.UpdateItemStatus) == 0 &&
		len(u.InstancesStatuses) == 0 && len(u.UnitSubjects) == 0
}
