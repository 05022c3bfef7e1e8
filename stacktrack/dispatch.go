// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package stacktrack // import "github.com/memtrack-dev/memtrack/stacktrack"

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/memtrack-dev/memtrack/asm/amd"
	"github.com/memtrack-dev/memtrack/mempf"
	"github.com/memtrack-dev/memtrack/metrics"
	"github.com/memtrack-dev/memtrack/shadow"
)

// genHandler is one shared fast-tier entry point. All call sites with the
// same (adjustment type, flags-live) pair dispatch through the same handler;
// duplicating the shadow-update loop at every site would be prohibitive
// given how frequently stack-pointer-adjusting instructions occur.
type genHandler struct {
	typ       AdjustmentType
	flagsLive bool
	fn        func(sp mempf.Address, value int64)
}

func (e *Engine) buildHandlerCache() {
	for flagsLive := 0; flagsLive < 2; flagsLive++ {
		for typ := adjustFastFirst; typ <= adjustFastLast; typ++ {
			h := &genHandler{
				typ:       typ,
				flagsLive: flagsLive == 1,
			}
			h.fn = func(sp mempf.Address, value int64) {
				e.fastAdjust(h.typ, sp, value)
			}
			e.handlers[flagsLive][typ] = h
		}
	}
}

// Apply performs the shadow-state work for one executed stack-pointer
// adjustment at an instrumented site. sp is the stack-pointer value before
// the instruction; it is the only machine-state field the handler may trust,
// since the rest of the register state is transiently inconsistent during an
// in-flight adjustment. value is the runtime operand for sites where
// NeedsValue reports true, and ignored otherwise.
func (e *Engine) Apply(site *Site, sp mempf.Address, value int64) {
	metrics.Inc(metrics.IDAdjustExecutions)
	if site.hasImm {
		value = site.imm
	}
	if site.handler != nil {
		site.handler.fn(sp, value)
		return
	}
	if e.cfg.SharedSlowPath {
		e.applySharedSlow(site, sp, value)
		return
	}
	e.handleAdjust(site.typ, sp, value)
}

// applySharedSlow is the shared out-of-line handler: rather than having
// every site pass its adjustment type, the type is re-derived by decoding
// forward from the site. Only register and flag restoration sits between
// the recorded position and the adjusting instruction, none of which
// references the stack pointer.
func (e *Engine) applySharedSlow(site *Site, sp mempf.Address, value int64) {
	inst, err := amd.ScanForSPWrite(site.Code)
	if err != nil {
		if errors.Is(err, amd.ErrNoSPWrite) {
			// Paranoid fail-open: skip the adjustment rather than crash.
			metrics.Inc(metrics.IDAdjustSkipped)
			log.Debugf("No stack-pointer write found at site, skipping adjust")
			return
		}
		log.Fatalf("Somehow missed the stack-adjust instr: %v", err)
	}
	typ := instAdjustmentType(&inst)
	if typ == AdjustInvalid {
		log.Fatalf("Found wrong stack-pointer-using instr: %v", inst)
	}
	e.handleAdjust(typ, sp, value)
}

// handleAdjust is the general tier: full delta computation, swap
// classification and shadow update. Every stack-pointer write that needs
// handling ends in exactly one shadow-range transition or exactly one swap
// classification, never both, never neither (unless the delta is zero).
func (e *Engine) handleAdjust(typ AdjustmentType, sp mempf.Address, value int64) {
	base := sp
	var delta int64
	switch typ {
	case AdjustAbsolute:
		delta = value - int64(sp)
		if e.exceedsThreshold(delta) &&
			e.checkStackSwap(sp, mempf.Address(value)) {
			// Stack swap: nothing to do.
			return
		}
	case AdjustMaskAlign:
		newSP := int64(sp) & value
		delta = newSP - int64(sp)
		if e.exceedsThreshold(delta) &&
			e.checkStackSwap(sp, mempf.Address(newSP)) {
			// Stack swap: nothing to do.
			return
		}
	case AdjustRelativeNegative, AdjustRelativePositive, AdjustReturnPop:
		if typ == AdjustRelativeNegative {
			delta = -value
		} else {
			delta = value
		}
		// A swap is assumed to never happen via a relative adjustment.
		if e.exceedsThreshold(delta) {
			log.Warnf("Relative stack adjustment %d > swap threshold", delta)
		}
		if typ == AdjustReturnPop {
			// The pop of the return address happens first.
			base += ReturnAddrWidth
		}
	default:
		log.Fatalf("Invalid adjustment type %v", typ)
	}
	if delta > 0 {
		e.ApplyShrink(base, base+mempf.Address(delta))
	} else if delta < 0 {
		e.ApplyGrowth(base, base-mempf.Address(-delta))
	}
}

func (e *Engine) exceedsThreshold(delta int64) bool {
	return mempf.Delta(delta).Magnitude() > uint64(e.fastThreshold.Load())
}

// fastAdjust is the fast tier shared by all sites of one (type, flags-live)
// pair. It inlines the common case - aligned range, swap check not
// triggered - iterating one shadow unit at a time, and re-enters the shadow
// lookup when the range crosses a block boundary. Everything else defers to
// the general tier; both tiers produce identical shadow state.
func (e *Engine) fastAdjust(typ AdjustmentType, sp mempf.Address, value int64) {
	base := sp
	var delta int64
	switch typ {
	case AdjustAbsolute:
		delta = value - int64(sp)
		// The two threshold comparisons pre-identify candidates needing
		// full swap classification.
		thr := e.fastThreshold.Load()
		if delta > thr {
			e.handleAdjust(typ, sp, value)
			return
		}
		if delta < -thr {
			e.handleAdjust(typ, sp, value)
			return
		}
	case AdjustRelativeNegative:
		delta = -value
	case AdjustRelativePositive:
		delta = value
	case AdjustReturnPop:
		base += ReturnAddrWidth
		delta = value
	default:
		log.Fatalf("Invalid type %v for stack-adjust fastpath", typ)
	}
	if delta == 0 {
		return
	}
	if base%shadow.UnitSize != 0 || delta%shadow.UnitSize != 0 {
		// Misaligned: bail to the general tier.
		e.handleAdjust(typ, sp, value)
		return
	}
	metrics.Inc(metrics.IDAdjustFastpath)
	if delta > 0 {
		e.markUnitsUp(base, base+mempf.Address(delta), shadow.Unaddressable)
	} else {
		e.markUnitsDown(base, base-mempf.Address(-delta), shadow.Undefined)
	}
}

// markUnitsUp walks shadow units from start up to end, re-entering the
// lookup at each block boundary. Used for the shrinking (pop) direction.
func (e *Engine) markUnitsUp(start, end mempf.Address, st shadow.State) {
	if !e.cfg.TrackDefinedness {
		return
	}
	addr := start
	for addr < end {
		units, idx := e.shadow.LookupUnit(addr)
		for idx < len(units) && addr < end {
			units[idx] = byte(st)
			idx++
			addr += shadow.UnitSize
		}
	}
}

// markUnitsDown walks shadow units from start down to end inclusive,
// decrementing before translating so block crossings re-resolve cleanly.
// Used for the growing (push) direction.
func (e *Engine) markUnitsDown(start, end mempf.Address, st shadow.State) {
	if !e.cfg.TrackDefinedness {
		if e.mem != nil {
			e.mem.Zero(end, start)
		}
		return
	}
	addr := start
	for addr > end {
		addr -= shadow.UnitSize
		units, idx := e.shadow.LookupUnit(addr)
		for {
			units[idx] = byte(st)
			if addr == end || idx == 0 {
				break
			}
			idx--
			addr -= shadow.UnitSize
		}
	}
}
