// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package stacktrack // import "github.com/memtrack-dev/memtrack/stacktrack"

import (
	log "github.com/sirupsen/logrus"

	"github.com/memtrack-dev/memtrack/metrics"
)

// If the swap threshold is too big or too small we can easily have false
// positives and/or false negatives, so the threshold self-tunes: raised
// linearly when large legitimate adjustments keep triggering the swap check,
// dropped to the floor when a thread's actual stack turns out to be smaller
// than it. It's better to have the threshold too small than too big, since
// over-detecting swaps is much better than under-detecting: the swap check
// is a control point for verifying a swap, a miss is silent.

// SwapThreshold returns the current stack-swap threshold in bytes.
func (e *Engine) SwapThreshold() uint64 {
	return uint64(e.fastThreshold.Load())
}

// ConsecutiveNonSwaps returns how many swap triggers have resolved to
// intra-stack adjustments since the threshold last changed.
func (e *Engine) ConsecutiveNonSwaps() int {
	st := e.threshold.RLock()
	defer e.threshold.RUnlock(&st)
	return st.nonSwaps
}

// RaiseSwapThreshold raises the threshold to newValue. A value at or below
// the current threshold is a no-op. Raising resets the non-swap counter.
func (e *Engine) RaiseSwapThreshold(newValue uint64) {
	st := e.threshold.WLock()
	defer e.threshold.WUnlock(&st)
	e.raiseLocked(st, newValue)
}

func (e *Engine) raiseLocked(st *thresholdState, newValue uint64) {
	if newValue <= st.value {
		return
	}
	log.Debugf("Raising stack swap threshold %d -> %d", st.value, newValue)
	st.value = newValue
	st.nonSwaps = 0
	e.fastThreshold.Store(int64(newValue))
	metrics.Inc(metrics.IDThresholdRaises)
}

// LowerSwapThresholdToFloor drops the threshold to MinSwapThreshold. If the
// result turns out too small, the non-swap counter brings it back up.
func (e *Engine) LowerSwapThresholdToFloor() {
	st := e.threshold.WLock()
	defer e.threshold.WUnlock(&st)
	if st.value <= MinSwapThreshold {
		return
	}
	log.Debugf("Lowering stack swap threshold %d -> %d", st.value, MinSwapThreshold)
	st.value = MinSwapThreshold
	e.fastThreshold.Store(int64(MinSwapThreshold))
	metrics.Inc(metrics.IDThresholdLowers)
}

// CheckStackSizeVsThreshold applies the floor-lowering rule when a thread's
// actual stack size becomes known: a stack smaller than the threshold means
// swaps between nearby small stacks would go undetected, so the threshold
// drops to the floor and the non-swap counter is trusted to bring it back
// up if there are a lot of large legitimate adjustments.
func (e *Engine) CheckStackSizeVsThreshold(stackSize uint64) {
	if stackSize < e.SwapThreshold() {
		e.LowerSwapThresholdToFloor()
	}
}

// recordNonSwap counts a swap trigger that turned out to be an intra-stack
// adjustment, and reluctantly raises the threshold linearly once too many
// accumulate. Better too small than too big.
func (e *Engine) recordNonSwap() {
	st := e.threshold.WLock()
	defer e.threshold.WUnlock(&st)
	st.nonSwaps++
	if st.nonSwaps > maxConsecutiveNonSwaps {
		st.nonSwaps = 0
		e.raiseLocked(st, st.value+e.cfg.PageSize)
	}
}
