// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package stacktrack // import "github.com/memtrack-dev/memtrack/stacktrack"

import (
	"fmt"
)

const (
	// MinSwapThreshold is the floor for the stack-swap threshold. Other
	// parts of the checker depend on the threshold not getting arbitrarily
	// small, so lowering stops here.
	MinSwapThreshold = 2048

	// DefaultSwapThreshold is the initial stack-swap threshold when the
	// configuration does not set one.
	DefaultSwapThreshold = 0x9000

	// maxConsecutiveNonSwaps is the number of swap triggers that turn out
	// not to be swaps before the threshold is raised by one page.
	maxConsecutiveNonSwaps = 32

	// defaultPageSize is the page size of the tracked program model.
	defaultPageSize = 4096
)

// Config carries the runtime options of the stack tracker.
type Config struct {
	// SwapThreshold is the initial stack-swap threshold in bytes.
	// Zero selects DefaultSwapThreshold.
	SwapThreshold uint64
	// FastPath selects the tiered fast dispatch strategy over the
	// everything-out-of-line slow strategy.
	FastPath bool
	// SharedSlowPath routes slow-strategy sites through the single shared
	// handler that re-derives the adjustment type from the site's code,
	// instead of a direct per-site call.
	SharedSlowPath bool
	// CheckPush enables the unknown-stack guard.
	CheckPush bool
	// PauseAtUnaddressable pauses for operator inspection when the guard
	// cannot resolve a region, rather than guessing.
	PauseAtUnaddressable bool
	// TrackDefinedness enables full shadow definedness tracking. When
	// false the checker runs in leaks-only mode: shrink adjustments are
	// not tracked and grown stack memory is zeroed instead of marked.
	TrackDefinedness bool
	// PageSize is the page size of the tracked program. Zero selects the
	// 4 KiB default.
	PageSize uint64
}

// Validate normalizes defaults and rejects unusable option combinations.
func (cfg *Config) Validate() error {
	if cfg.SwapThreshold == 0 {
		cfg.SwapThreshold = DefaultSwapThreshold
	}
	if cfg.SwapThreshold < MinSwapThreshold {
		return fmt.Errorf("swap threshold %d below floor %d",
			cfg.SwapThreshold, MinSwapThreshold)
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.PageSize&(cfg.PageSize-1) != 0 {
		return fmt.Errorf("page size %d is not a power of two", cfg.PageSize)
	}
	return nil
}
