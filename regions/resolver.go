// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

// Package regions answers "which allocation contains this address" queries
// for the stack tracker. It keeps two precise indexes that the allocator
// shims feed at runtime - large heap allocations and anonymous mappings -
// and falls back to a generic memory-map query for everything else. The
// generic query may be slow or imprecise for recently created mappings,
// which is why the precise indexes are consulted first.
package regions // import "github.com/memtrack-dev/memtrack/regions"

import (
	"fmt"
	"sort"
	"sync"

	"github.com/memtrack-dev/memtrack/mempf"
	"github.com/memtrack-dev/memtrack/mempf/freelru"
)

// Region describes the allocation or mapping containing an address.
// It is purely descriptive and carries no ownership.
type Region struct {
	Base mempf.Address
	Size uint64
}

// End returns the first address past the region.
func (r Region) End() mempf.Address {
	return r.Base + mempf.Address(r.Size)
}

// Contains reports whether addr falls within the region.
func (r Region) Contains(addr mempf.Address) bool {
	return addr >= r.Base && addr < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%v-%v", r.Base, r.End())
}

// QueryFunc is the generic memory-map query of last resort.
type QueryFunc func(addr mempf.Address) (Region, bool)

// queryCacheSize bounds the cache in front of the generic query. Stack
// resolution hits the same few mappings over and over, so a small cache
// suffices.
const queryCacheSize = 512

// Resolver locates the enclosing allocation for an address.
type Resolver struct {
	mu sync.RWMutex
	// arenas are the allocator's arena bounds; an address inside one is
	// heap memory even when no large-allocation entry covers it.
	arenas []Region
	// large indexes large heap allocations by base address.
	large []Region
	// anon indexes anonymous mappings created by the monitored program.
	anon []Region

	query QueryFunc
	cache *freelru.LRU[mempf.Address, Region]
}

// NewResolver creates a Resolver with the given generic fallback query.
// A nil query disables the fallback entirely.
func NewResolver(query QueryFunc) (*Resolver, error) {
	cache, err := freelru.New[mempf.Address, Region](queryCacheSize,
		mempf.Address.Hash32)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		query: query,
		cache: cache,
	}, nil
}

// AddHeapArena registers allocator arena bounds.
func (r *Resolver) AddHeapArena(base mempf.Address, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arenas = insertRegion(r.arenas, Region{Base: base, Size: size})
}

// AddLargeAlloc registers a large heap allocation. Small heap allocations
// are deliberately not tracked: resolution inside them is expected to fail.
func (r *Resolver) AddLargeAlloc(base mempf.Address, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.large = insertRegion(r.large, Region{Base: base, Size: size})
}

// RemoveLargeAlloc drops a large heap allocation from the index.
func (r *Resolver) RemoveLargeAlloc(base mempf.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.large = removeRegion(r.large, base)
}

// AddAnonMapping registers an anonymous mapping.
func (r *Resolver) AddAnonMapping(base mempf.Address, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anon = insertRegion(r.anon, Region{Base: base, Size: size})
}

// RemoveAnonMapping drops an anonymous mapping from the index and
// invalidates cached generic-query results, which may describe it. When the
// mapping's bounds are known and small, only its covering pages are evicted;
// otherwise the whole cache is purged.
func (r *Resolver) RemoveAnonMapping(base mempf.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	region, ok := lookupRegion(r.anon, base)
	r.anon = removeRegion(r.anon, base)
	if !ok || region.Base != base || region.Size > queryCacheSize*4096 {
		r.cache.Purge()
		return
	}
	for key := base.PageAlignDown(4096); key < region.End(); key += 4096 {
		r.cache.Remove(key)
	}
}

// InHeapRegion reports whether addr lies inside a registered heap arena.
func (r *Resolver) InHeapRegion(addr mempf.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := lookupRegion(r.arenas, addr)
	return ok
}

// Resolve returns the bounds of the allocation or mapping containing addr.
// For heap addresses only the large-allocation index is consulted; an
// address inside a small heap allocation fails resolution. For everything
// else the anonymous-mapping index is tried before the generic query.
func (r *Resolver) Resolve(addr mempf.Address) (Region, bool) {
	r.mu.RLock()
	if _, inHeap := lookupRegion(r.arenas, addr); inHeap {
		region, ok := lookupRegion(r.large, addr)
		r.mu.RUnlock()
		return region, ok
	}
	if region, ok := lookupRegion(r.anon, addr); ok {
		r.mu.RUnlock()
		return region, ok
	}
	r.mu.RUnlock()
	return r.queryCached(addr)
}

func (r *Resolver) queryCached(addr mempf.Address) (Region, bool) {
	if r.query == nil {
		return Region{}, false
	}
	key := addr.PageAlignDown(4096)
	if region, ok := r.cache.Get(key); ok {
		return region, true
	}
	region, ok := r.query(addr)
	if !ok {
		// Negative results are not cached: a mapping may appear here later.
		return Region{}, false
	}
	r.cache.Add(key, region)
	return region, true
}

// CacheStatistics returns and resets the generic-query cache counters.
func (r *Resolver) CacheStatistics() freelru.Statistics {
	return r.cache.GetAndResetStatistics()
}

// insertRegion keeps the slice sorted by base address. An insert at an
// existing base replaces the entry (a remapping).
func insertRegion(rs []Region, region Region) []Region {
	i := sort.Search(len(rs), func(i int) bool {
		return rs[i].Base >= region.Base
	})
	if i < len(rs) && rs[i].Base == region.Base {
		rs[i] = region
		return rs
	}
	rs = append(rs, Region{})
	copy(rs[i+1:], rs[i:])
	rs[i] = region
	return rs
}

func removeRegion(rs []Region, base mempf.Address) []Region {
	i := sort.Search(len(rs), func(i int) bool {
		return rs[i].Base >= base
	})
	if i < len(rs) && rs[i].Base == base {
		return append(rs[:i], rs[i+1:]...)
	}
	return rs
}

func lookupRegion(rs []Region, addr mempf.Address) (Region, bool) {
	i := sort.Search(len(rs), func(i int) bool {
		return rs[i].Base > addr
	})
	if i > 0 && rs[i-1].Contains(addr) {
		return rs[i-1], true
	}
	return Region{}, false
}
