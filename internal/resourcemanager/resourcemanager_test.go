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

package resourcemanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryUpdateAndResolve(t *testing.T) {
	r := NewRegistry()
	r.Update(NodeResources{
		NodeType: "main",
		Devices:  []DeviceInfo{{Name: "gpu0", HostDevices: []string{"/dev/dri/card0"}}},
	})

	res, ok := r.NodeResources("main")
	require.True(t, ok)
	require.Len(t, res.Devices, 1)

	d, ok := r.ResolveDevice("main", "gpu0")
	require.True(t, ok)
	require.Equal(t, []string{"/dev/dri/card0"}, d.HostDevices)

	_, ok = r.ResolveDevice("main", "missing")
	require.False(t, ok)

	_, ok = r.NodeResources("unknown")
	require.False(t, ok)
}
