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

// Package imagemanager implements the Image Manager component (spec
// §4.5): owns the on-disk service/layer/component store, drives the
// download/decrypt/verify/unpack install pipeline, deduplicates blobs by
// digest, and answers digest → local path queries.
package imagemanager

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/allocator"
	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/storage"
	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const defaultWorkers = 5

// Downloader fetches image content from one of the supplied URLs (any
// retry/backoff policy is its own contract, per §4.5 step 2).
type Downloader interface {
	Download(ctx context.Context, urls []string, dest string) error
}

// CryptoHelper decrypts a CMS EnvelopedData payload and verifies a
// signature chain (§4.5 steps 3-4). Implementations are an external
// collaborator; only the call shape is owned here.
type CryptoHelper interface {
	Decrypt(src, dst string, info cloudprotocol.DecryptInfo) error
	VerifySignature(path string, info cloudprotocol.SignInfo, chain []cloudprotocol.CertificateInfo) error
}

// itemRecord is the persisted install-pipeline record for one UpdateItem
// version.
type itemRecord struct {
	Identity  cloudprotocol.Identity `json:"identity"`
	Version   string                 `json:"version"`
	State     cloudprotocol.ItemState `json:"state"`
	SizeBytes uint64                 `json:"sizeBytes"`
	LocalPath string                 `json:"localPath"`
	Error     string                 `json:"error,omitempty"`
}

func recordKey(id cloudprotocol.Identity, version string) string {
	return fmt.Sprintf("%s/%s/%s", id.ItemType, id.ItemID, version)
}

// StatusListener is notified whenever an item's install state changes.
type StatusListener interface {
	OnItemStatus(status cloudprotocol.UpdateItemStatus)
}

// Manager is the content-addressed store plus install pipeline.
type Manager struct {
	rootDir    string
	blobsDir   string
	bucket     *storage.Bucket
	compressed *allocator.Allocator
	unpacked   *allocator.Allocator
	downloader Downloader
	crypto     CryptoHelper

	mu        sync.Mutex
	itemLocks map[string]*sync.Mutex
	installed map[string]itemRecord // keyed by ItemID+ItemType -> currently Installed version's record
	listeners []StatusListener

	workers chan struct{}
	log     *zap.SugaredLogger
}

// Config bundles the construction dependencies for New.
type Config struct {
	RootDir            string
	Store              *storage.Store
	CompressedAllocator *allocator.Allocator
	UnpackedAllocator   *allocator.Allocator
	Downloader          Downloader
	Crypto              CryptoHelper
	Workers             int
}

// New constructs a Manager; the allocators passed in must have been
// created with this Manager registered as their ItemRemover (see
// RemoveItem below) so partition-pressure eviction can delete content.
func New(cfg Config, log *zap.SugaredLogger) (*Manager, error) {
	blobsDir := filepath.Join(cfg.RootDir, "blobs")
	if err := os.MkdirAll(blobsDir, 0o700); err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "create blobs dir")
	}
	bucket, err := cfg.Store.Bucket("images")
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "open images bucket")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	m := &Manager{
		rootDir:    cfg.RootDir,
		blobsDir:   blobsDir,
		bucket:     bucket,
		compressed: cfg.CompressedAllocator,
		unpacked:   cfg.UnpackedAllocator,
		downloader: cfg.Downloader,
		crypto:     cfg.Crypto,
		itemLocks:  make(map[string]*sync.Mutex),
		installed:  make(map[string]itemRecord),
		workers:    make(chan struct{}, workers),
		log:        log,
	}
	keys, err := bucket.Keys()
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "list installed items")
	}
	for _, key := range keys {
		var rec itemRecord
		ok, err := bucket.Get(key, &rec)
		if err != nil {
			return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "load item %s", key)
		}
		if ok && rec.State == cloudprotocol.ItemStateInstalled {
			m.installed[itemIdentKey(rec.Identity)] = rec
		}
	}
	return m, nil
}

func itemIdentKey(id cloudprotocol.Identity) string {
	return string(id.ItemType) + "/" + id.ItemID
}

// Subscribe registers l for install-status notifications.
func (m *Manager) Subscribe(l StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(status cloudprotocol.UpdateItemStatus) {
	m.mu.Lock()
	listeners := append([]StatusListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnItemStatus(status)
	}
}

// lockFor serialises the install pipeline per ItemID (§4.5 Concurrency:
// "the per-ItemID action path is serialised so two DesiredStatus
// revisions cannot race on the same item").
func (m *Manager) lockFor(id cloudprotocol.Identity) *sync.Mutex {
	key := itemIdentKey(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.itemLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.itemLocks[key] = l
	}
	return l
}

// alreadyInstalled reports whether item's exact version is already
// installed with every image blob still present in the store, so a
// re-applied DesiredStatus is a no-op instead of a full re-download
// (§4.8: "no redownload if hash matches existing image"; §8 round-trip:
// "second application emits no new downloads").
func (m *Manager) alreadyInstalled(item cloudprotocol.UpdateItem) bool {
	m.mu.Lock()
	rec, ok := m.installed[itemIdentKey(item.Identity)]
	m.mu.Unlock()
	if !ok || rec.Version != item.Version || rec.State != cloudprotocol.ItemStateInstalled {
		return false
	}
	for _, img := range item.Images {
		if _, present := m.DigestToLocalPath(img.Digest()); !present {
			return false
		}
	}
	return true
}

// Install runs the full pipeline for item (§4.5 steps 1-6). Worker-pool
// slot acquisition rate-limits concurrent installs across all items.
func (m *Manager) Install(ctx context.Context, item cloudprotocol.UpdateItem) error {
	itemLock := m.lockFor(item.Identity)
	itemLock.Lock()
	defer itemLock.Unlock()

	if m.alreadyInstalled(item) {
		m.notify(cloudprotocol.UpdateItemStatus{Identity: item.Identity, Version: item.Version, State: cloudprotocol.ItemStateInstalled})
		return nil
	}

	select {
	case m.workers <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.workers }()

	status := cloudprotocol.UpdateItemStatus{Identity: item.Identity, Version: item.Version, State: cloudprotocol.ItemStatePending}
	m.notify(status)

	var compressedSize, unpackedSize uint64
	for _, img := range item.Images {
		compressedSize += img.Size
	}
	unpackedSize = compressedSize * 3 // estimate; actual size is known only after unpack

	compReservation, err := m.compressed.AllocateSpace(compressedSize)
	if err != nil {
		return m.fail(item, err)
	}
	defer compReservation.Release()

	unpackReservation, err := m.unpacked.AllocateSpace(unpackedSize)
	if err != nil {
		return m.fail(item, err)
	}
	defer unpackReservation.Release()

	workDir, err := os.MkdirTemp(m.rootDir, "install-*")
	if err != nil {
		return m.fail(item, aoserrors.Wrapf(aoserrors.KindFailed, err, "create work dir"))
	}
	defer os.RemoveAll(workDir)

	status.State = cloudprotocol.ItemStateDownloading
	m.notify(status)

	var installedSize uint64
	var layers []v1.Descriptor
	for i, img := range item.Images {
		dst := filepath.Join(workDir, fmt.Sprintf("image-%d.enc", i))
		if err := m.downloader.Download(ctx, img.URLs, dst); err != nil {
			return m.fail(item, aoserrors.Wrapf(aoserrors.KindFailed, err, "download %s", img.ImageID))
		}
		decDst := filepath.Join(workDir, fmt.Sprintf("image-%d.dec", i))
		if err := m.crypto.Decrypt(dst, decDst, img.DecryptInfo); err != nil {
			return m.fail(item, aoserrors.Wrapf(aoserrors.KindFailed, err, "decrypt %s", img.ImageID))
		}
		if err := m.crypto.VerifySignature(decDst, img.SignInfo, nil); err != nil {
			return m.fail(item, aoserrors.Wrapf(aoserrors.KindFailed, err, "verify signature %s", img.ImageID))
		}
		size, err := m.storeBlob(decDst, img.Digest())
		if err != nil {
			return m.fail(item, err)
		}
		installedSize += size

		status.State = cloudprotocol.ItemStateUnpacking
		m.notify(status)
		imgLayers, err := m.unpackLayers(decDst)
		if err != nil {
			return m.fail(item, aoserrors.Wrapf(aoserrors.KindFailed, err, "unpack %s", img.ImageID))
		}
		layers = append(layers, imgLayers...)
	}

	compReservation.Accept()
	unpackReservation.Accept()

	installDir := filepath.Join(m.rootDir, "installed", itemIdentKey(item.Identity), item.Version)
	if err := m.writeManifest(installDir, layers); err != nil {
		return m.fail(item, err)
	}

	m.mu.Lock()
	key := itemIdentKey(item.Identity)
	prev, hadPrev := m.installed[key]
	m.installed[key] = itemRecord{
		Identity: item.Identity, Version: item.Version,
		State: cloudprotocol.ItemStateInstalled, SizeBytes: installedSize, LocalPath: installDir,
	}
	m.mu.Unlock()

	if err := m.bucket.Put(recordKey(item.Identity, item.Version), m.installed[key]); err != nil {
		return m.fail(item, aoserrors.Wrapf(aoserrors.KindFailed, err, "persist install record"))
	}

	if hadPrev && prev.Version != item.Version {
		m.demoteToCached(prev)
	}

	status.State = cloudprotocol.ItemStateInstalled
	m.notify(status)
	return nil
}

func (m *Manager) fail(item cloudprotocol.UpdateItem, err error) error {
	m.notify(cloudprotocol.UpdateItemStatus{
		Identity: item.Identity, Version: item.Version, State: cloudprotocol.ItemStatePending,
		Error: &cloudprotocol.ErrorInfo{Message: err.Error()},
	})
	return err
}

// storeBlob content-addresses a decrypted artifact into the blob store,
// deduplicating by digest (§4.5 step 5).
func (m *Manager) storeBlob(path, wantDigest string) (uint64, error) {
	dst := filepath.Join(m.blobsDir, digest.Digest(wantDigest).Encoded())
	if info, err := os.Stat(dst); err == nil {
		return uint64(info.Size()), nil // already present, deduplicated
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, aoserrors.Wrapf(aoserrors.KindFailed, err, "open blob")
	}
	defer f.Close()

	out, err := os.Create(dst + ".tmp")
	if err != nil {
		return 0, aoserrors.Wrapf(aoserrors.KindFailed, err, "create blob")
	}

	digester := digest.Canonical.Digester()
	size, err := io.Copy(io.MultiWriter(out, digester.Hash()), f)
	if err != nil {
		out.Close()
		os.Remove(dst + ".tmp")
		return 0, aoserrors.Wrapf(aoserrors.KindFailed, err, "write blob")
	}
	if err := out.Close(); err != nil {
		return 0, aoserrors.Wrapf(aoserrors.KindFailed, err, "close blob")
	}
	if got := digester.Digest().String(); got != wantDigest {
		os.Remove(dst + ".tmp")
		return 0, aoserrors.Errorf(aoserrors.KindFailed, "digest mismatch: want %s got %s", wantDigest, got)
	}
	if err := os.Rename(dst+".tmp", dst); err != nil {
		return 0, aoserrors.Wrapf(aoserrors.KindFailed, err, "rename blob into place")
	}
	return uint64(size), nil
}

// unpackLayers extracts src's tar.gz content, content-addressing each
// regular-file entry into the blob store by its own digest (§4.5 step 5:
// "unpack layers, content-address each by digest"), so DigestToLocalPath
// can resolve any layer inside the image, not just the archive as a
// whole. It returns an OCI descriptor per unpacked layer, in archive
// order, for the item's manifest.
func (m *Manager) unpackLayers(src string) ([]v1.Descriptor, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "open layer archive")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "open gzip stream")
	}
	defer gz.Close()

	var layers []v1.Descriptor
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return layers, nil
		}
		if err != nil {
			return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "read tar entry")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		desc, err := m.storeLayerEntry(tr)
		if err != nil {
			return nil, err
		}
		layers = append(layers, desc)
	}
}

// storeLayerEntry content-addresses one unpacked tar entry into the blob
// store, deduplicating by digest the same way storeBlob does for whole
// archives, and returns its OCI descriptor.
func (m *Manager) storeLayerEntry(r io.Reader) (v1.Descriptor, error) {
	tmp, err := os.CreateTemp(m.blobsDir, "entry-*")
	if err != nil {
		return v1.Descriptor{}, aoserrors.Wrapf(aoserrors.KindFailed, err, "create temp entry")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	digester := digest.Canonical.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if err != nil {
		tmp.Close()
		return v1.Descriptor{}, aoserrors.Wrapf(aoserrors.KindFailed, err, "write entry")
	}
	if err := tmp.Close(); err != nil {
		return v1.Descriptor{}, aoserrors.Wrapf(aoserrors.KindFailed, err, "close entry")
	}

	entryDigest := digester.Digest()
	desc := v1.Descriptor{MediaType: v1.MediaTypeImageLayer, Digest: entryDigest, Size: size}

	dst := filepath.Join(m.blobsDir, entryDigest.Encoded())
	if _, err := os.Stat(dst); err == nil {
		return desc, nil // already present, deduplicated
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return v1.Descriptor{}, aoserrors.Wrapf(aoserrors.KindFailed, err, "rename entry into place")
	}
	return desc, nil
}

// writeManifest persists an OCI-shaped manifest listing every layer
// unpacked for this item version, so an operator (or cmctl) can inspect
// what a given install actually contains.
func (m *Manager) writeManifest(installDir string, layers []v1.Descriptor) error {
	if err := os.MkdirAll(installDir, 0o700); err != nil {
		return aoserrors.Wrapf(aoserrors.KindFailed, err, "create install dir")
	}
	manifest := v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Layers:    layers,
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return aoserrors.Wrapf(aoserrors.KindFailed, err, "marshal manifest")
	}
	if err := os.WriteFile(filepath.Join(installDir, "manifest.json"), data, 0o600); err != nil {
		return aoserrors.Wrapf(aoserrors.KindFailed, err, "write manifest")
	}
	return nil
}

func (m *Manager) demoteToCached(rec itemRecord) {
	rec.State = cloudprotocol.ItemStateCached
	if err := m.bucket.Put(recordKey(rec.Identity, rec.Version), rec); err != nil {
		m.log.Warnw("demote to cached: persist failed", "item", rec.Identity.ItemID, "error", err)
	}
	m.unpacked.AddOutdatedItem(recordKey(rec.Identity, rec.Version), rec.SizeBytes, time.Now())
}

// RemoveItem implements allocator.ItemRemover: deletes an evicted
// Cached item's on-disk content and its persisted record.
func (m *Manager) RemoveItem(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rec itemRecord
	ok, err := m.bucket.Get(id, &rec)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if rec.LocalPath != "" {
		if err := os.RemoveAll(rec.LocalPath); err != nil {
			return aoserrors.Wrapf(aoserrors.KindFailed, err, "remove evicted item content")
		}
	}
	rec.State = cloudprotocol.ItemStateRemoved
	return m.bucket.Put(id, rec)
}

// DigestToLocalPath answers the reverse query the spec requires (§4.5
// Responsibility: "expose reverse queries digest → local URL").
func (m *Manager) DigestToLocalPath(d string) (string, bool) {
	path := filepath.Join(m.blobsDir, digest.Digest(d).Encoded())
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}
