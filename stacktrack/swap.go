// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package stacktrack // import "github.com/memtrack-dev/memtrack/stacktrack"

import (
	log "github.com/sirupsen/logrus"

	"github.com/memtrack-dev/memtrack/mempf"
	"github.com/memtrack-dev/memtrack/metrics"
)

// checkStackSwap decides whether a large absolute stack-pointer change is
// really a stack swap. If it is, there is nothing to do; if it is not, the
// change must be handled as an allocation or deallocation to avoid false
// positives and false negatives.
//
// If the stack bounds can't be determined the change is treated as a swap:
// smaller chance of false positives, and better to have false negatives
// than tons of positives.
func (e *Engine) checkStackSwap(curSP, newSP mempf.Address) bool {
	metrics.Inc(metrics.IDStackSwapTriggers)
	if region, ok := e.regions.Resolve(curSP); ok {
		if region.Contains(newSP) {
			log.Debugf("Stack adjust %v to %v (delta %d) is really intra-stack adjust",
				curSP, newSP, mempf.DeltaBetween(curSP, newSP))
			e.recordNonSwap()
			return false
		}
	} else {
		log.Warnf("Cannot determine stack bounds for %v", curSP)
	}
	log.Debugf("Stack swap %v => %v", curSP, newSP)
	metrics.Inc(metrics.IDStackSwaps)
	return true
}
