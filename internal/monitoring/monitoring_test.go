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

package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	sent []cloudprotocol.Monitoring
}

func (f *fakeSender) SendMonitoring(ctx context.Context, data cloudprotocol.Monitoring) error {
	f.sent = append(f.sent, data)
	return nil
}

func TestGetAverageMonitoringComputesMean(t *testing.T) {
	a := New(&fakeSender{}, zap.NewNop().Sugar())
	now := time.Now()
	a.OnNodeData("node1", cloudprotocol.MonitoringData{Timestamp: now, CPU: 10, RAM: 100})
	a.OnNodeData("node1", cloudprotocol.MonitoringData{Timestamp: now, CPU: 20, RAM: 200})

	avg, ok := a.GetAverageMonitoring("node1", 0)
	require.True(t, ok)
	require.Equal(t, 15.0, avg.CPU)
	require.Equal(t, uint64(150), avg.RAM)
}

func TestGetAverageMonitoringLastNWindow(t *testing.T) {
	a := New(&fakeSender{}, zap.NewNop().Sugar())
	a.OnNodeData("node1", cloudprotocol.MonitoringData{CPU: 100})
	a.OnNodeData("node1", cloudprotocol.MonitoringData{CPU: 0})
	a.OnNodeData("node1", cloudprotocol.MonitoringData{CPU: 10})

	avg, ok := a.GetAverageMonitoring("node1", 2)
	require.True(t, ok)
	require.Equal(t, 5.0, avg.CPU)
}

func TestNodeStateCollapsesConsecutiveDuplicates(t *testing.T) {
	a := New(&fakeSender{}, zap.NewNop().Sugar())
	a.OnNodeState("node1", cloudprotocol.NodeStateInfo{State: cloudprotocol.NodeStateProvisioned})
	a.OnNodeState("node1", cloudprotocol.NodeStateInfo{State: cloudprotocol.NodeStateProvisioned})
	a.OnNodeState("node1", cloudprotocol.NodeStateInfo{State: cloudprotocol.NodeStateError})

	a.mu.Lock()
	states := a.nodes["node1"].states.nodeStates
	a.mu.Unlock()
	require.Len(t, states, 2)
}

func TestFlushResetsWindowsOnSuccess(t *testing.T) {
	sender := &fakeSender{}
	a := New(sender, zap.NewNop().Sugar())
	a.OnNodeData("node1", cloudprotocol.MonitoringData{CPU: 5})

	a.Flush(context.Background(), true)
	require.Len(t, sender.sent, 1)

	_, ok := a.GetAverageMonitoring("node1", 0)
	require.True(t, ok) // bucket still exists, but window is empty
	avg, _ := a.GetAverageMonitoring("node1", 0)
	require.Equal(t, 0.0, avg.CPU)
}

func TestFlushDoesNothingWhileDisconnected(t *testing.T) {
	sender := &fakeSender{}
	a := New(sender, zap.NewNop().Sugar())
	a.OnNodeData("node1", cloudprotocol.MonitoringData{CPU: 5})

	a.Flush(context.Background(), false)
	require.Empty(t, sender.sent)
}
