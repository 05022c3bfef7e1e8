// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package regions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtrack-dev/memtrack/mempf"
)

func newTestResolver(t *testing.T, query QueryFunc) *Resolver {
	t.Helper()
	r, err := NewResolver(query)
	require.NoError(t, err)
	return r
}

func TestResolveLargeAlloc(t *testing.T) {
	r := newTestResolver(t, nil)
	r.AddHeapArena(0x100000, 0x100000)
	r.AddLargeAlloc(0x140000, 0x8000)

	region, ok := r.Resolve(0x142000)
	require.True(t, ok)
	assert.Equal(t, Region{Base: 0x140000, Size: 0x8000}, region)

	// Heap address outside any large allocation must fail, even though the
	// arena bounds are known.
	_, ok = r.Resolve(0x100500)
	assert.False(t, ok)

	r.RemoveLargeAlloc(0x140000)
	_, ok = r.Resolve(0x142000)
	assert.False(t, ok)
}

func TestResolveAnonMapping(t *testing.T) {
	queried := 0
	r := newTestResolver(t, func(mempf.Address) (Region, bool) {
		queried++
		return Region{}, false
	})
	r.AddAnonMapping(0x40000000, 0x10000)

	region, ok := r.Resolve(0x40004000)
	require.True(t, ok)
	assert.Equal(t, Region{Base: 0x40000000, Size: 0x10000}, region)
	assert.Zero(t, queried, "precise index must shortcut the generic query")
}

func TestResolveGenericQueryCached(t *testing.T) {
	queried := 0
	r := newTestResolver(t, func(addr mempf.Address) (Region, bool) {
		queried++
		return Region{Base: addr.PageAlignDown(4096), Size: 4096}, true
	})

	first, ok := r.Resolve(0x7f001234)
	require.True(t, ok)
	second, ok := r.Resolve(0x7f001abc)
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, queried, "second lookup must hit the cache")

	stats := r.CacheStatistics()
	assert.Equal(t, uint64(1), stats.Hit)
	assert.Equal(t, uint64(1), stats.Miss)
}

func TestRemoveAnonMappingEvictsCachedPages(t *testing.T) {
	r := newTestResolver(t, func(addr mempf.Address) (Region, bool) {
		return Region{Base: addr.PageAlignDown(4096), Size: 4096}, true
	})

	// Generic-query results cached before the mapping was registered go
	// stale when the mapping is torn down.
	_, ok := r.Resolve(0x40000800)
	require.True(t, ok)
	_, ok = r.Resolve(0x7f001234)
	require.True(t, ok)

	r.AddAnonMapping(0x40000000, 0x2000)
	r.RemoveAnonMapping(0x40000000)

	// Only the pages the small mapping covered are evicted.
	assert.False(t, r.cache.Contains(0x40000000))
	assert.True(t, r.cache.Contains(0x7f001000))

	// A mapping larger than the cache could describe purges wholesale.
	r.AddAnonMapping(0x50000000, (queryCacheSize+1)*4096)
	r.RemoveAnonMapping(0x50000000)
	assert.False(t, r.cache.Contains(0x7f001000))
}

func TestResolveFailure(t *testing.T) {
	r := newTestResolver(t, nil)
	_, ok := r.Resolve(0xdead0000)
	assert.False(t, ok)
}

func TestInHeapRegion(t *testing.T) {
	r := newTestResolver(t, nil)
	r.AddHeapArena(0x100000, 0x1000)
	assert.True(t, r.InHeapRegion(0x100800))
	assert.False(t, r.InHeapRegion(0x101000))
}

func TestFindMapping(t *testing.T) {
	maps := "00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon\n" +
		"7f0e1000-7f0e6000 rw-p 00000000 00:00 0 \n" +
		"fffdd000-ffffe000 rw-p 00000000 00:00 0 [stack]\n"
	path := filepath.Join(t.TempDir(), "maps")
	require.NoError(t, os.WriteFile(path, []byte(maps), 0o600))

	region, err := findMapping(path, 0x7f0e2000)
	require.NoError(t, err)
	assert.Equal(t, Region{Base: 0x7f0e1000, Size: 0x5000}, region)

	_, err = findMapping(path, 0x10000)
	assert.Error(t, err)
}
