// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package stacktrack // import "github.com/memtrack-dev/memtrack/stacktrack"

import (
	log "github.com/sirupsen/logrus"

	"github.com/memtrack-dev/memtrack/mempf"
	"github.com/memtrack-dev/memtrack/metrics"
	"github.com/memtrack-dev/memtrack/shadow"
)

// HandleUnexpectedStackWrite bootstraps shadow state for an unknown stack.
// It is called by the memory-access instrumentation when a write targets
// memory at or below the tracked stack pointer whose shadow state is
// already addressable: the program is using a region as a stack that was
// never observed growing through adjustment instrumentation, typically a
// stack carved out of a malloc block or an anonymous mapping.
//
// On success one page is marked unaddressable, working backward from addr
// toward the region base but never past startHint - the program is in the
// act of writing there, and what's being pushed must not be marked. Only
// one page per occurrence, because the true stack extent within a
// multi-purpose allocation is unknown; repeated occurrences extend coverage
// as the program pushes further. The resolved region's size also feeds the
// threshold floor check: malloc-backed stacks are often small, exactly the
// case that demands a smaller threshold.
//
// It returns whether the write was handled.
func (e *Engine) HandleUnexpectedStackWrite(addr, startHint mempf.Address) bool {
	metrics.Inc(metrics.IDPushAddressable)
	if !e.cfg.CheckPush {
		return false
	}

	isHeap := e.regions.InHeapRegion(addr)
	if isHeap {
		log.Warnf("Program is treating heap memory %v as a stack!", addr)
	} else {
		log.Warnf("Program is treating mmap memory %v as a stack!", addr)
	}

	region, ok := e.regions.Resolve(addr)
	if !ok {
		// More likely our bug than the program's: we may be
		// misinterpreting ordinary memory as a stack.
		log.Errorf("%v pushing addressable memory: possible memtrack bug", addr)
		if e.cfg.PauseAtUnaddressable && e.pause != nil {
			e.pause("pushing addressable memory")
		}
		return false
	}

	if isHeap {
		log.Debugf("Assuming large malloc %v is a stack", region)
		metrics.Inc(metrics.IDPushAddressableHeap)
	} else {
		log.Debugf("Assuming mmap %v is a stack", region)
		metrics.Inc(metrics.IDPushAddressableMmap)
	}

	start := region.Base
	if addr >= region.Base+mempf.Address(e.cfg.PageSize) {
		start = addr - mempf.Address(e.cfg.PageSize)
	}
	e.shadow.MarkRange(start, startHint, shadow.Unaddressable)
	e.CheckStackSizeVsThreshold(region.Size)
	return true
}
