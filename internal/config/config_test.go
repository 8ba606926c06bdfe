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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/config"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
workDir: /tmp/cm-work
storageDir: /tmp/cm-storage
partitions:
  - name: services
    path: /tmp/cm-storage/services
    limitPercent: 80
    quotaFraction: 0.5
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/cm-work", cfg.WorkDir)
	require.Equal(t, 30*time.Second, cfg.SendPeriod) // default carried through
	require.Len(t, cfg.Partitions, 1)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsEmptyWorkDir(t *testing.T) {
	path := writeConfig(t, `workDir: ""`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestValidateRejectsBadPartitionLimit(t *testing.T) {
	path := writeConfig(t, `
workDir: /tmp/cm-work
storageDir: /tmp/cm-storage
partitions:
  - name: services
    path: /tmp/cm-storage/services
    limitPercent: 150
`)
	_, err := config.Load(path)
	require.Error(t, err)
}
