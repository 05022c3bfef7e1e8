// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package stacktrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtrack-dev/memtrack/mempf"
	"github.com/memtrack-dev/memtrack/metrics"
	"github.com/memtrack-dev/memtrack/shadow"
)

func TestGuardDisabled(t *testing.T) {
	engine, _ := newTestEngine(t, Config{TrackDefinedness: true}, nil)
	assert.False(t, engine.HandleUnexpectedStackWrite(0x40002000, 0x40001ffc))
}

func TestGuardMarksOnePage(t *testing.T) {
	resolver := newTestResolver(t)
	resolver.AddAnonMapping(0x40000000, 0x3000)
	engine, shadowMap := newTestEngine(t,
		Config{CheckPush: true, TrackDefinedness: true}, resolver)
	shadowMap.MarkRange(0x40000000, 0x40003000, shadow.Defined)

	mmaps := metrics.Get(metrics.IDPushAddressableMmap)
	require.True(t, engine.HandleUnexpectedStackWrite(0x40002000, 0x40001ffc))
	assert.Equal(t, mmaps+1, metrics.Get(metrics.IDPushAddressableMmap))

	// One page below the write becomes unaddressable, stopping short of the
	// bytes being written.
	assert.Equal(t, shadow.Defined, shadowMap.Get(0x40000ffc))
	assert.Equal(t, shadow.Unaddressable, shadowMap.Get(0x40001000))
	assert.Equal(t, shadow.Unaddressable, shadowMap.Get(0x40001ff8))
	assert.Equal(t, shadow.Defined, shadowMap.Get(0x40001ffc))

	// The mapping is smaller than the default threshold, so the threshold
	// dropped to the floor.
	assert.Equal(t, uint64(MinSwapThreshold), engine.SwapThreshold())
}

func TestGuardClampsToRegionBase(t *testing.T) {
	resolver := newTestResolver(t)
	resolver.AddAnonMapping(0x40000000, 0x3000)
	engine, shadowMap := newTestEngine(t,
		Config{CheckPush: true, TrackDefinedness: true}, resolver)
	shadowMap.MarkRange(0x40000000, 0x40003000, shadow.Defined)

	// The write sits less than a page above the mapping base.
	require.True(t, engine.HandleUnexpectedStackWrite(0x40000800, 0x400007fc))

	assert.Equal(t, shadow.Unaddressable, shadowMap.Get(0x40000000))
	assert.Equal(t, shadow.Unaddressable, shadowMap.Get(0x400007f8))
	assert.Equal(t, shadow.Defined, shadowMap.Get(0x400007fc))
}

func TestGuardHeapStack(t *testing.T) {
	resolver := newTestResolver(t)
	resolver.AddHeapArena(0x50000000, 0x100000)
	resolver.AddLargeAlloc(0x50010000, 0x8000)
	engine, _ := newTestEngine(t,
		Config{CheckPush: true, TrackDefinedness: true}, resolver)

	heaps := metrics.Get(metrics.IDPushAddressableHeap)
	require.True(t, engine.HandleUnexpectedStackWrite(0x50014000, 0x50013ffc))
	assert.Equal(t, heaps+1, metrics.Get(metrics.IDPushAddressableHeap))

	// An 0x8000-byte malloc stack is below the default threshold.
	assert.Equal(t, uint64(MinSwapThreshold), engine.SwapThreshold())
}

func TestGuardUnresolvableRegionPauses(t *testing.T) {
	engine, _ := newTestEngine(t, Config{
		CheckPush:            true,
		PauseAtUnaddressable: true,
		TrackDefinedness:     true,
	}, nil)

	var paused []string
	engine.SetPauseFunc(func(reason string) { paused = append(paused, reason) })

	assert.False(t, engine.HandleUnexpectedStackWrite(0x40002000, 0x40001ffc))
	assert.Equal(t, []string{"pushing addressable memory"}, paused)
	assert.Equal(t, uint64(DefaultSwapThreshold), engine.SwapThreshold())
}

func TestGuardLargeMappingKeepsThreshold(t *testing.T) {
	resolver := newTestResolver(t)
	resolver.AddAnonMapping(0x40000000, 0x100000)
	engine, shadowMap := newTestEngine(t,
		Config{CheckPush: true, TrackDefinedness: true}, resolver)

	require.True(t, engine.HandleUnexpectedStackWrite(0x40080000, 0x4007fffc))
	assert.Equal(t, uint64(DefaultSwapThreshold), engine.SwapThreshold())
	assert.Equal(t, shadow.Unaddressable, shadowMap.Get(mempf.Address(0x4007f000)))
}
