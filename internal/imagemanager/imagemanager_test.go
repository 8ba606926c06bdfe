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

package imagemanager

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aosedge/aos_communicationmanager/internal/allocator"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// buildTarGz packs name/content into a one-entry tar.gz, the shape the
// install pipeline's unpack step expects a decrypted image archive to
// have.
func buildTarGz(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: int64(len(content))}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type fakeDownloader struct {
	content []byte
}

func (d *fakeDownloader) Download(ctx context.Context, urls []string, dest string) error {
	return os.WriteFile(dest, d.content, 0o600)
}

type passthroughCrypto struct{}

func (passthroughCrypto) Decrypt(src, dst string, info cloudprotocol.DecryptInfo) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

func (passthroughCrypto) VerifySignature(path string, info cloudprotocol.SignInfo, chain []cloudprotocol.CertificateInfo) error {
	return nil
}

type recordingListener struct {
	mu   sync.Mutex
	seen []cloudprotocol.UpdateItemStatus
}

func (l *recordingListener) OnItemStatus(status cloudprotocol.UpdateItemStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, status)
}

func (l *recordingListener) states() []cloudprotocol.ItemState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]cloudprotocol.ItemState, len(l.seen))
	for i, s := range l.seen {
		out[i] = s.State
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, []byte, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "images.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	table := allocator.NewPartitionTable()
	compAlloc := allocator.New(table, "compressed", dir, 1<<30, 100, 0, nil)
	unpackAlloc := allocator.New(table, "unpacked", dir, 1<<30, 100, 0, nil)

	content := buildTarGz(t, "layer.bin", []byte("hello world image content"))
	sum := sha256.Sum256(content)
	wantDigest := "sha256:" + hex.EncodeToString(sum[:])

	m, err := New(Config{
		RootDir:             dir,
		Store:               store,
		CompressedAllocator: compAlloc,
		UnpackedAllocator:   unpackAlloc,
		Downloader:          &fakeDownloader{content: content},
		Crypto:              passthroughCrypto{},
	}, zap.NewNop().Sugar())
	require.NoError(t, err)

	compAlloc.SetRemover(m)
	unpackAlloc.SetRemover(m)

	return m, content, wantDigest
}

func TestInstallSucceedsAndContentIsAddressable(t *testing.T) {
	m, content, wantDigest := newTestManager(t)
	l := &recordingListener{}
	m.Subscribe(l)

	item := cloudprotocol.UpdateItem{
		Identity: cloudprotocol.Identity{ItemID: "svc1", ItemType: cloudprotocol.ItemTypeService},
		Version:  "1.0.0",
		Images: []cloudprotocol.Image{
			{ImageID: "img1", URLs: []string{"http://example/img1"}, Sha256: wantDigest[len("sha256:"):], Size: uint64(len(content))},
		},
	}

	require.NoError(t, m.Install(context.Background(), item))

	path, ok := m.DigestToLocalPath(wantDigest)
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, data)

	require.Contains(t, l.states(), cloudprotocol.ItemStateInstalled)
}

func TestInstallDemotesPreviousVersionToCached(t *testing.T) {
	m, content, wantDigest := newTestManager(t)

	item := cloudprotocol.UpdateItem{
		Identity: cloudprotocol.Identity{ItemID: "svc1", ItemType: cloudprotocol.ItemTypeService},
		Version:  "1.0.0",
		Images: []cloudprotocol.Image{
			{ImageID: "img1", Sha256: wantDigest[len("sha256:"):], Size: uint64(len(content))},
		},
	}
	require.NoError(t, m.Install(context.Background(), item))

	item.Version = "2.0.0"
	require.NoError(t, m.Install(context.Background(), item))

	m.mu.Lock()
	rec := m.installed[itemIdentKey(item.Identity)]
	m.mu.Unlock()
	require.Equal(t, "2.0.0", rec.Version)
}

func TestDigestToLocalPathMissing(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, ok := m.DigestToLocalPath("sha256:deadbeef")
	require.False(t, ok)
}
