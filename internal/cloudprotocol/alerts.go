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

// AlertTag is the sum-type discriminator for Alert (§3, design note on
// tagged unions becoming sum types in the target language).
type AlertTag string

const (
	AlertTagSystem           AlertTag = "systemAlert"
	AlertTagCore             AlertTag = "coreAlert"
	AlertTagDownload         AlertTag = "downloadAlert"
	AlertTagSystemQuota      AlertTag = "systemQuotaAlert"
	AlertTagInstanceQuota    AlertTag = "instanceQuotaAlert"
	AlertTagDeviceAllocate   AlertTag = "deviceAllocateAlert"
	AlertTagResourceValidate AlertTag = "resourceValidateAlert"
)

// Alert is the tagged variant over the alert payload kinds. Timestamp is
// excluded from de-duplication equality by design (§4.9, invariant 4 in
// §8): two alerts that differ only in Timestamp are the same alert.
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Tag       AlertTag  `json:"tag"`
	NodeID    string    `json:"nodeId,omitempty"`
	Message   string    `json:"message,omitempty"`

	// Payload carries the tag-specific fields. Kept as a flat struct
	// rather than an interface{} so EqualIgnoringTimestamp can compare by
	// value without a type switch per tag.
	Payload AlertPayload `json:"payload,omitempty"`
}

// AlertPayload holds the union of tag-specific fields actually used by
// this core (the cloud wire encoding disambiguates by Tag; this struct is
// the in-process representation only).
type AlertPayload struct {
	Parameter    string  `json:"parameter,omitempty"`
	Value        float64 `json:"value,omitempty"`
	Status       string  `json:"status,omitempty"`
	InstanceItemID string `json:"instanceItemId,omitempty"`
	DeviceName   string  `json:"deviceName,omitempty"`
	URL          string  `json:"url,omitempty"`
}

// EqualIgnoringTimestamp implements the de-duplication equality spec §3/§4.9
// and §8 invariant 4 require.
func (a Alert) EqualIgnoringTimestamp(o Alert) bool {
	return a.Tag == o.Tag && a.NodeID == o.NodeID && a.Message == o.Message && a.Payload == o.Payload
}
