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

package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	chunks [][]cloudprotocol.Alert
}

func (f *fakeSender) SendAlerts(ctx context.Context, alerts []cloudprotocol.Alert) error {
	f.chunks = append(f.chunks, alerts)
	return nil
}

type recordingListener struct {
	seen []cloudprotocol.Alert
}

func (l *recordingListener) OnAlert(a cloudprotocol.Alert) {
	l.seen = append(l.seen, a)
}

func TestDuplicateAlertIgnoringTimestampBumpsCounter(t *testing.T) {
	a := New(&fakeSender{}, zap.NewNop().Sugar())
	base := cloudprotocol.Alert{Tag: cloudprotocol.AlertTagCore, Message: "oops"}

	a.OnAlertReceived(base)
	dup := base
	dup.Timestamp = time.Now()
	a.OnAlertReceived(dup)

	dCount, sCount := a.Counts()
	require.Equal(t, uint64(1), dCount)
	require.Equal(t, uint64(0), sCount)
}

func TestCacheOverflowDropsOldestAndIncrementsSkipped(t *testing.T) {
	a := New(&fakeSender{}, zap.NewNop().Sugar()).WithCacheSize(2)
	a.OnAlertReceived(cloudprotocol.Alert{Tag: cloudprotocol.AlertTagCore, Message: "a"})
	a.OnAlertReceived(cloudprotocol.Alert{Tag: cloudprotocol.AlertTagCore, Message: "b"})
	a.OnAlertReceived(cloudprotocol.Alert{Tag: cloudprotocol.AlertTagCore, Message: "c"})

	_, sCount := a.Counts()
	require.Equal(t, uint64(1), sCount)
	require.Len(t, a.cache, 2)
	require.Equal(t, "b", a.cache[0].Message)
}

func TestListenerFanOutByTag(t *testing.T) {
	a := New(&fakeSender{}, zap.NewNop().Sugar())
	core := &recordingListener{}
	dl := &recordingListener{}
	a.Subscribe(cloudprotocol.AlertTagCore, core)
	a.Subscribe(cloudprotocol.AlertTagDownload, dl)

	a.OnAlertReceived(cloudprotocol.Alert{Tag: cloudprotocol.AlertTagCore, Message: "x"})

	require.Len(t, core.seen, 1)
	require.Empty(t, dl.seen)
}

func TestSendAlertsChunksByItemsPerPackage(t *testing.T) {
	sender := &fakeSender{}
	a := New(sender, zap.NewNop().Sugar()).WithItemsPerPackage(2)
	for i := 0; i < 5; i++ {
		a.OnAlertReceived(cloudprotocol.Alert{Tag: cloudprotocol.AlertTagCore, Message: string(rune('a' + i))})
	}
	a.OnConnect()
	a.SendAlerts(context.Background())

	require.Len(t, sender.chunks, 3)
	require.Len(t, sender.chunks[0], 2)
	require.Len(t, sender.chunks[2], 1)

	_, sCount := a.Counts()
	require.Equal(t, uint64(0), sCount)
}

func TestSendAlertsNoopWhileDisconnected(t *testing.T) {
	sender := &fakeSender{}
	a := New(sender, zap.NewNop().Sugar())
	a.OnAlertReceived(cloudprotocol.Alert{Tag: cloudprotocol.AlertTagCore, Message: "x"})
	a.SendAlerts(context.Background())
	require.Empty(t, sender.chunks)
}
