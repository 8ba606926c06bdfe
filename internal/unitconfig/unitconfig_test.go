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

package unitconfig

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNodes struct {
	types map[string]string
}

func (f *fakeNodes) GetAllNodeIDs() []string {
	ids := make([]string, 0, len(f.types))
	for id := range f.types {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeNodes) NodeType(nodeID string) (string, bool) {
	t, ok := f.types[nodeID]
	return t, ok
}

type fakeCtrl struct {
	mu       sync.Mutex
	checked  map[string]string
	set      map[string]string
	failNode string
}

func newFakeCtrl() *fakeCtrl {
	return &fakeCtrl{checked: map[string]string{}, set: map[string]string{}}
}

func (c *fakeCtrl) CheckNodeConfig(ctx context.Context, nodeID, version string, cfg json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checked[nodeID] = version
	return nil
}

func (c *fakeCtrl) SetNodeConfig(ctx context.Context, nodeID, version string, cfg json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set[nodeID] = version
	return nil
}

type recordingListener struct {
	mu   sync.Mutex
	seen []string
}

func (l *recordingListener) OnNodeConfigChanged(version string, cfg json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, version)
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestUpdateUnitConfigFansOutAndWritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unit_config.json")

	nodes := &fakeNodes{types: map[string]string{"node1": "main", "node2": "secondary"}}
	ctrl := newFakeCtrl()
	uc := New(path, "node1", nodes, ctrl, testLogger())

	l := &recordingListener{}
	uc.Subscribe(l)

	candidate := Data{
		Version: "1.0.0",
		NodeConfigs: []NodeConfig{
			{NodeID: "node1", Config: json.RawMessage(`{"a":1}`)},
			{NodeType: "secondary", Config: json.RawMessage(`{"b":2}`)},
		},
	}
	require.NoError(t, uc.UpdateUnitConfig(context.Background(), candidate))

	require.Equal(t, "1.0.0", uc.Version())
	require.Equal(t, "1.0.0", ctrl.set["node1"])
	require.Equal(t, "1.0.0", ctrl.set["node2"])
	require.Equal(t, []string{"1.0.0"}, l.seen)

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestUpdateUnitConfigRejectsOlderVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unit_config.json")
	nodes := &fakeNodes{types: map[string]string{}}
	uc := New(path, "", nodes, newFakeCtrl(), testLogger())

	require.NoError(t, uc.UpdateUnitConfig(context.Background(), Data{Version: "2.0.0"}))
	err := uc.UpdateUnitConfig(context.Background(), Data{Version: "1.0.0"})
	require.Error(t, err)
}

func TestUpdateUnitConfigRejectsSameVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unit_config.json")
	nodes := &fakeNodes{types: map[string]string{}}
	uc := New(path, "", nodes, newFakeCtrl(), testLogger())

	require.NoError(t, uc.UpdateUnitConfig(context.Background(), Data{Version: "1.0.0"}))
	err := uc.UpdateUnitConfig(context.Background(), Data{Version: "1.0.0"})
	require.Error(t, err)
}

func TestLookupTieBreakNodeIDBeatsNodeType(t *testing.T) {
	data := Data{
		NodeConfigs: []NodeConfig{
			{NodeType: "main", Config: json.RawMessage(`{"generic":true}`)},
			{NodeID: "node1", Config: json.RawMessage(`{"specific":true}`)},
		},
	}
	nc, err := lookupConfig(data, "node1", "main")
	require.NoError(t, err)
	require.JSONEq(t, `{"specific":true}`, string(nc.Config))
}

func TestLookupFallsBackToNodeType(t *testing.T) {
	data := Data{
		NodeConfigs: []NodeConfig{
			{NodeType: "main", Config: json.RawMessage(`{"generic":true}`)},
		},
	}
	nc, err := lookupConfig(data, "node9", "main")
	require.NoError(t, err)
	require.JSONEq(t, `{"generic":true}`, string(nc.Config))
}

func TestLookupNotFound(t *testing.T) {
	_, err := lookupConfig(Data{}, "node9", "main")
	require.Error(t, err)
}

func TestCheckUnitConfigDoesNotMutateState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unit_config.json")
	nodes := &fakeNodes{types: map[string]string{"node1": "main"}}
	ctrl := newFakeCtrl()
	uc := New(path, "", nodes, ctrl, testLogger())

	candidate := Data{Version: "1.0.0", NodeConfigs: []NodeConfig{
		{NodeID: "node1", Config: json.RawMessage(`{}`)},
	}}
	require.NoError(t, uc.CheckUnitConfig(context.Background(), candidate))
	require.Equal(t, "1.0.0", ctrl.checked["node1"])
	require.Equal(t, "0.0.0", uc.Version())
}
