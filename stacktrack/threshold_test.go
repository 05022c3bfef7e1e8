// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package stacktrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		cfg       Config
		errString string
		threshold uint64
		pageSize  uint64
	}{
		"defaults": {cfg: Config{},
			threshold: DefaultSwapThreshold, pageSize: defaultPageSize},
		"explicit": {cfg: Config{SwapThreshold: 0x4000, PageSize: 8192},
			threshold: 0x4000, pageSize: 8192},
		"at floor": {cfg: Config{SwapThreshold: MinSwapThreshold},
			threshold: MinSwapThreshold, pageSize: defaultPageSize},
		"below floor": {cfg: Config{SwapThreshold: MinSwapThreshold - 1},
			errString: "below floor"},
		"odd page size": {cfg: Config{PageSize: 5000},
			errString: "not a power of two"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := test.cfg
			err := cfg.Validate()
			if test.errString != "" {
				require.ErrorContains(t, err, test.errString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.threshold, cfg.SwapThreshold)
			assert.Equal(t, test.pageSize, cfg.PageSize)
		})
	}
}

func TestRaiseSwapThreshold(t *testing.T) {
	engine, _ := newTestEngine(t, Config{TrackDefinedness: true}, nil)
	assert.Equal(t, uint64(DefaultSwapThreshold), engine.SwapThreshold())

	// At or below the current value is a no-op.
	engine.RaiseSwapThreshold(DefaultSwapThreshold)
	assert.Equal(t, uint64(DefaultSwapThreshold), engine.SwapThreshold())
	engine.RaiseSwapThreshold(MinSwapThreshold)
	assert.Equal(t, uint64(DefaultSwapThreshold), engine.SwapThreshold())

	engine.RaiseSwapThreshold(DefaultSwapThreshold + 0x1000)
	assert.Equal(t, uint64(DefaultSwapThreshold+0x1000), engine.SwapThreshold())
}

func TestLowerSwapThresholdToFloor(t *testing.T) {
	engine, _ := newTestEngine(t, Config{TrackDefinedness: true}, nil)

	engine.LowerSwapThresholdToFloor()
	assert.Equal(t, uint64(MinSwapThreshold), engine.SwapThreshold())

	// The floor holds no matter how often lowering happens.
	engine.LowerSwapThresholdToFloor()
	engine.LowerSwapThresholdToFloor()
	assert.Equal(t, uint64(MinSwapThreshold), engine.SwapThreshold())
}

func TestCheckStackSizeVsThreshold(t *testing.T) {
	engine, _ := newTestEngine(t, Config{TrackDefinedness: true}, nil)

	// A stack bigger than the threshold changes nothing.
	engine.CheckStackSizeVsThreshold(0x20000)
	assert.Equal(t, uint64(DefaultSwapThreshold), engine.SwapThreshold())

	// A smaller one drops the threshold to the floor.
	engine.CheckStackSizeVsThreshold(0x3000)
	assert.Equal(t, uint64(MinSwapThreshold), engine.SwapThreshold())

	// Tiny stacks never push it below the floor.
	engine.CheckStackSizeVsThreshold(64)
	assert.Equal(t, uint64(MinSwapThreshold), engine.SwapThreshold())
}

func TestConsecutiveNonSwapsRaiseThreshold(t *testing.T) {
	engine, _ := newTestEngine(t,
		Config{SwapThreshold: MinSwapThreshold, TrackDefinedness: true}, nil)

	for i := 0; i < maxConsecutiveNonSwaps; i++ {
		engine.recordNonSwap()
		assert.Equal(t, uint64(MinSwapThreshold), engine.SwapThreshold())
	}
	assert.Equal(t, maxConsecutiveNonSwaps, engine.ConsecutiveNonSwaps())

	// One more tips it over and raises by a page.
	engine.recordNonSwap()
	assert.Equal(t, uint64(MinSwapThreshold+defaultPageSize),
		engine.SwapThreshold())
	assert.Zero(t, engine.ConsecutiveNonSwaps())

	// The counter restarts after a raise.
	for i := 0; i < maxConsecutiveNonSwaps; i++ {
		engine.recordNonSwap()
	}
	assert.Equal(t, uint64(MinSwapThreshold+defaultPageSize),
		engine.SwapThreshold())
	engine.recordNonSwap()
	assert.Equal(t, uint64(MinSwapThreshold+2*defaultPageSize),
		engine.SwapThreshold())
}

func TestRaiseResetsNonSwapCounter(t *testing.T) {
	engine, _ := newTestEngine(t,
		Config{SwapThreshold: MinSwapThreshold, TrackDefinedness: true}, nil)

	for i := 0; i < maxConsecutiveNonSwaps; i++ {
		engine.recordNonSwap()
	}
	engine.RaiseSwapThreshold(0x2000)

	// The explicit raise cleared the accumulated count.
	assert.Zero(t, engine.ConsecutiveNonSwaps())
	engine.recordNonSwap()
	assert.Equal(t, uint64(0x2000), engine.SwapThreshold())
	assert.Equal(t, 1, engine.ConsecutiveNonSwaps())
}
