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

package nodeinfo

import (
	"sync"
	"testing"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu    sync.Mutex
	seen  []cloudprotocol.NodeInfo
}

func (l *recordingListener) OnNodeInfoChanged(info cloudprotocol.NodeInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, info)
}

func (l *recordingListener) states() []cloudprotocol.NodeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]cloudprotocol.NodeState, len(l.seen))
	for i, s := range l.seen {
		out[i] = s.State
	}
	return out
}

func TestMergeNeverConnectedTimesOutToError(t *testing.T) {
	p := New(10 * time.Millisecond)
	l := &recordingListener{}
	p.Subscribe(l)

	p.OnIAMInfo("node1", IAMState{
		Info:  cloudprotocol.NodeInfo{NodeType: "main"},
		State: cloudprotocol.NodeStateProvisioned,
	})

	info, ok := p.Get("node1")
	require.True(t, ok)
	require.Equal(t, cloudprotocol.NodeStateError, info.State)
	require.False(t, info.IsConnected)
}

func TestMergeSMHeartbeatMakesProvisionedOnline(t *testing.T) {
	p := New(time.Hour)
	l := &recordingListener{}
	p.Subscribe(l)

	p.OnIAMInfo("node1", IAMState{
		Info:  cloudprotocol.NodeInfo{NodeType: "main"},
		State: cloudprotocol.NodeStateProvisioned,
	})
	p.OnSMInfoReceived("node1")

	info, ok := p.Get("node1")
	require.True(t, ok)
	require.Equal(t, cloudprotocol.NodeStateProvisioned, info.State)
	require.True(t, info.IsConnected)

	p.OnSMDisconnected("node1")
	p.smTimeout = 0 // force "stale" on next sweep without sleeping
	p.SweepStale()

	info, _ = p.Get("node1")
	require.Equal(t, cloudprotocol.NodeStateError, info.State)
	require.False(t, info.IsConnected)

	require.Contains(t, l.states(), cloudprotocol.NodeStateError)
}

func TestUnprovisionedOverridesHeartbeat(t *testing.T) {
	p := New(time.Hour)
	p.OnIAMInfo("node1", IAMState{State: cloudprotocol.NodeStateProvisioned})
	p.OnSMInfoReceived("node1")
	p.OnIAMInfo("node1", IAMState{State: cloudprotocol.NodeStateUnprovisioned})

	info, _ := p.Get("node1")
	require.Equal(t, cloudprotocol.NodeStateUnprovisioned, info.State)
	require.False(t, info.IsConnected)
}
