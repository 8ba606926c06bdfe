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

// Package allocator implements the space allocator (spec §4.1): a
// per-partition reservation table shared by every on-disk subsystem, with
// LRU outdated-item eviction. The partition table is the one legitimate
// module-level state in the whole core (design note §9); it is scoped
// behind PartitionTable, never exposed as an ambient singleton.
package allocator

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
)

// ItemRemover deletes the on-disk content behind an outdated item id. Each
// Allocator registers one remover; the allocator calls it only while
// satisfying an AllocateSpace request under eviction pressure.
type ItemRemover interface {
	RemoveItem(id string) error
}

type outdatedItem struct {
	id        string
	timestamp time.Time
	size      uint64
	remover   ItemRemover
	owner     *Allocator // allocator this item's localUsed share belongs to
}

// partition is the shared, reference-counted record for one mount point.
// All mutating operations hold mu; it is intentionally coarse but short —
// no blocking I/O happens under it except eviction, which is bounded by
// the sorted outdated list (§5).
type partition struct {
	mu sync.Mutex

	path          string
	totalSize     uint64
	usedSize      uint64
	limitPercent  uint8
	allocatorCnt  int
	outdated      map[string]outdatedItem // allocator-local id -> item, keyed per-allocator via prefix
}

func (p *partition) limitBytes() uint64 {
	if p.limitPercent == 0 || p.limitPercent > 100 {
		return p.totalSize
	}
	return p.totalSize * uint64(p.limitPercent) / 100
}

// PartitionTable owns all partition records for a process run. Construct
// one with NewPartitionTable and inject the handle into every component
// that allocates space, rather than reaching for a package-level global
// (design note §9).
type PartitionTable struct {
	mu         sync.Mutex
	partitions map[string]*partition
}

// NewPartitionTable creates an empty, process-wide partition table.
func NewPartitionTable() *PartitionTable {
	return &PartitionTable{partitions: make(map[string]*partition)}
}

func (t *PartitionTable) getOrCreate(path string, totalSize uint64, limitPercent uint8) *partition {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[path]
	if !ok {
		p = &partition{path: path, totalSize: totalSize, limitPercent: limitPercent, outdated: make(map[string]outdatedItem)}
		t.partitions[path] = p
	}
	return p
}

// Allocator is one subsystem's handle onto a partition, optionally bounded
// by its own fractional quota of the partition (supplemented from
// original_source: quotas are per-allocator, not just per-partition —
// see SPEC_FULL.md §Supplemented features item 1).
type Allocator struct {
	mu sync.Mutex

	name         string // unique prefix for this allocator's outdated items
	part         *partition
	quotaFraction float64 // 0 means "no allocator-local quota, only partition limit"
	localUsed    atomic.Uint64
	remover      ItemRemover
}

// subLocalUsed decrements localUsed by size, clamped at zero, without
// requiring the caller to hold a.mu — evictPartition adjusts another
// allocator's localUsed this way when it removes that allocator's
// outdated item under partition-wide pressure.
func (a *Allocator) subLocalUsed(size uint64) {
	for {
		cur := a.localUsed.Load()
		dec := min(size, cur)
		if a.localUsed.CompareAndSwap(cur, cur-dec) {
			return
		}
	}
}

// New constructs an Allocator bound to the partition at path. totalSize is
// the partition's total byte capacity, limitPercent (0-100) bounds the
// partition-wide usable fraction (0 or >100 means "no limit"),
// quotaFraction (0-1) optionally bounds this allocator's own share of the
// partition (0 means unbounded by quota).
func New(table *PartitionTable, name, path string, totalSize uint64, limitPercent uint8, quotaFraction float64, remover ItemRemover) *Allocator {
	p := table.getOrCreate(path, totalSize, limitPercent)
	p.mu.Lock()
	p.allocatorCnt++
	p.mu.Unlock()
	return &Allocator{name: name, part: p, quotaFraction: quotaFraction, remover: remover}
}

// SetRemover binds the remover after construction, for callers whose
// remover (e.g. an Image Manager) needs the allocator to already exist.
func (a *Allocator) SetRemover(remover ItemRemover) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remover = remover
}

// Occupied reports the bytes this allocator currently has reserved,
// for ambient metrics reporting.
func (a *Allocator) Occupied() uint64 {
	return a.localUsed.Load()
}

func (a *Allocator) quotaBytes() uint64 {
	if a.quotaFraction <= 0 {
		return 0
	}
	return uint64(float64(a.part.totalSize) * a.quotaFraction)
}

// SpaceReservation is a scoped charge against a partition (§3). Nothing
// releases it automatically: the charge stays in place until Release is
// called, so callers defer Release() immediately after a successful
// AllocateSpace and call Accept() once the charge should become permanent.
type SpaceReservation struct {
	alloc     *Allocator
	size      uint64
	accepted  bool
	released  bool
	mu        sync.Mutex
}

// Accept makes the charge permanent; a subsequent Release becomes a no-op.
func (r *SpaceReservation) Accept() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted = true
}

// Release refunds the reservation unless it was already accepted or
// released. Safe to call multiple times and safe to defer unconditionally.
func (r *SpaceReservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.accepted || r.released {
		return
	}
	r.released = true
	r.alloc.freeLocal(r.size)
}

// Size reports the reserved size in bytes.
func (r *SpaceReservation) Size() uint64 { return r.size }

// AllocateSpace reserves size bytes, evicting outdated items (oldest
// first, own allocator's items only when the pressure is quota-local,
// any allocator's items on the partition when the pressure is
// partition-wide) until the request can be satisfied, or returns NoSpace
// if eviction cannot free enough (§4.1, §8 boundary behaviour).
func (a *Allocator) AllocateSpace(size uint64) (*SpaceReservation, error) {
	// Lock order: allocator-local -> partition (design note §9, §5).
	a.mu.Lock()
	defer a.mu.Unlock()

	if q := a.quotaBytes(); q > 0 && a.localUsed.Load()+size > q {
		if err := a.evictLocal(q, size); err != nil {
			return nil, err
		}
	}

	p := a.part
	p.mu.Lock()
	defer p.mu.Unlock()

	limit := p.limitBytes()
	if p.usedSize+size > limit {
		if err := evictPartition(p, limit, size); err != nil {
			return nil, err
		}
	}

	p.usedSize += size
	a.localUsed.Add(size)
	return &SpaceReservation{alloc: a, size: size}, nil
}

func (a *Allocator) freeLocal(size uint64) {
	a.subLocalUsed(size)

	p := a.part
	p.mu.Lock()
	if size <= p.usedSize {
		p.usedSize -= size
	} else {
		p.usedSize = 0
	}
	p.mu.Unlock()
}

// FreeSpace is an unconditional refund used when the caller erased data
// outside the reservation protocol (§4.1).
func (a *Allocator) FreeSpace(size uint64) {
	a.freeLocal(size)
}

// AllocateDone commits the reservation bookkeeping; callers that manage
// reservations themselves (rather than via SpaceReservation.Accept) call
// this once the transaction is durable. It is a no-op balance point kept
// for symmetry with the spec's AllocateDone contract (§4.1) — the actual
// bookkeeping happens at AllocateSpace/Accept/Release time in this
// implementation.
func (a *Allocator) AllocateDone() {}

// AddOutdatedItem promises the allocator it may remove id (via the
// registered ItemRemover) under eviction pressure (§4.1).
func (a *Allocator) AddOutdatedItem(id string, size uint64, timestamp time.Time) {
	p := a.part
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outdated[a.name+"/"+id] = outdatedItem{id: id, timestamp: timestamp, size: size, remover: a.remover, owner: a}
}

// RestoreOutdatedItem withdraws a prior promise, e.g. because a newer
// desired status resurrected the version (§4.5).
func (a *Allocator) RestoreOutdatedItem(id string) {
	p := a.part
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.outdated, a.name+"/"+id)
}

// evictLocal removes this allocator's own outdated items, oldest first,
// until localUsed+requested fits under quota, or returns NoSpace.
func (a *Allocator) evictLocal(quota, requested uint64) error {
	p := a.part
	p.mu.Lock()
	own := ownOutdated(p, a.name)
	p.mu.Unlock()

	sort.Slice(own, func(i, j int) bool { return own[i].timestamp.Before(own[j].timestamp) })

	for _, it := range own {
		if a.localUsed.Load()+requested <= quota {
			break
		}
		if err := a.removeOutdated(it); err != nil {
			continue
		}
		a.subLocalUsed(it.size)
	}
	if a.localUsed.Load()+requested > quota {
		return aoserrors.Errorf(aoserrors.KindNoSpace, "allocator %q: quota exceeded after eviction", a.name)
	}
	return nil
}

func (a *Allocator) removeOutdated(it outdatedItem) error {
	p := a.part
	p.mu.Lock()
	delete(p.outdated, a.name+"/"+it.id)
	p.usedSize -= min(it.size, p.usedSize)
	p.mu.Unlock()

	if a.remover == nil {
		return nil
	}
	return a.remover.RemoveItem(it.id)
}

func ownOutdated(p *partition, prefix string) []outdatedItem {
	var out []outdatedItem
	for key, it := range p.outdated {
		if len(key) > len(prefix) && key[:len(prefix)+1] == prefix+"/" {
			out = append(out, it)
		}
	}
	return out
}

// evictPartition removes outdated items across all allocators on the
// partition, oldest first, until the request fits under limit, or returns
// NoSpace. Caller holds p.mu.
func evictPartition(p *partition, limit, requested uint64) error {
	type keyed struct {
		key string
		it  outdatedItem
	}
	var all []keyed
	for key, it := range p.outdated {
		all = append(all, keyed{key, it})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].it.timestamp.Before(all[j].it.timestamp) })

	for _, k := range all {
		if p.usedSize+requested <= limit {
			break
		}
		if k.it.remover != nil {
			if err := k.it.remover.RemoveItem(k.it.id); err != nil {
				continue
			}
		}
		p.usedSize -= min(k.it.size, p.usedSize)
		if k.it.owner != nil {
			k.it.owner.subLocalUsed(k.it.size)
		}
		delete(p.outdated, k.key)
	}
	if p.usedSize+requested > limit {
		return aoserrors.Errorf(aoserrors.KindNoSpace, "partition %q: no space after eviction", p.path)
	}
	return nil
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
