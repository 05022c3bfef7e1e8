// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package stacktrack // import "github.com/memtrack-dev/memtrack/stacktrack"

import (
	"github.com/memtrack-dev/memtrack/mempf"
	"github.com/memtrack-dev/memtrack/shadow"
)

// ApplyShrink records a stack shrink from oldSP up to newSP: the vacated
// range [oldSP, newSP) becomes unaddressable. In leaks-only mode shrinking
// is not tracked at all. Equal pointers are a no-op.
func (e *Engine) ApplyShrink(oldSP, newSP mempf.Address) {
	if oldSP >= newSP {
		return
	}
	if !e.cfg.TrackDefinedness {
		return
	}
	e.shadow.MarkRange(oldSP, newSP, shadow.Unaddressable)
}

// ApplyGrowth records a stack growth from oldSP down to newSP: the newly
// covered range [newSP, oldSP) becomes undefined - readable and writable
// stack space whose prior contents must not be treated as valid. In
// leaks-only mode the range is instead zeroed in monitored memory, so stale
// pointers don't mislead the leak scan; not perfectly transparent, but the
// trade is deliberate.
func (e *Engine) ApplyGrowth(oldSP, newSP mempf.Address) {
	if newSP >= oldSP {
		return
	}
	if !e.cfg.TrackDefinedness {
		if e.mem != nil {
			e.mem.Zero(newSP, oldSP)
		}
		return
	}
	e.shadow.MarkRange(newSP, oldSP, shadow.Undefined)
}
