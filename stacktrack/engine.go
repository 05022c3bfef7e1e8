// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

// Package stacktrack decides, for every stack-pointer-modifying instruction
// of the monitored program, whether the modification is an ordinary
// intra-stack adjustment or a switch to a different stack, and updates
// shadow metadata for the address range the stack gained or lost.
//
// The heuristic center is the swap threshold: an absolute stack-pointer
// change larger than it triggers region-bounds verification, and the
// threshold itself adapts at runtime from observed misclassifications. The
// bias is deliberate: over-detecting swaps merely pauses tracking across one
// adjustment and self-corrects, while under-detecting them silently corrupts
// shadow state.
package stacktrack // import "github.com/memtrack-dev/memtrack/stacktrack"

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/memtrack-dev/memtrack/asm/amd"
	"github.com/memtrack-dev/memtrack/mempf"
	"github.com/memtrack-dev/memtrack/mempf/xsync"
	"github.com/memtrack-dev/memtrack/regions"
	"github.com/memtrack-dev/memtrack/shadow"
)

// ShadowMap is the shadow byte-map consumed by the tracker. Implemented by
// shadow.Map.
type ShadowMap interface {
	// MarkRange sets every unit touched by [start, end) to st.
	MarkRange(start, end mempf.Address, st shadow.State)
	// LookupUnit translates addr into its shadow block, returning the
	// block's units and the index of addr's unit. The returned slice never
	// extends past the block boundary.
	LookupUnit(addr mempf.Address) (units []byte, idx int)
}

// RegionResolver bounds an address by its enclosing allocation or mapping.
// Implemented by regions.Resolver.
type RegionResolver interface {
	Resolve(addr mempf.Address) (regions.Region, bool)
	InHeapRegion(addr mempf.Address) bool
}

// AppMemory gives the tracker write access to monitored-program memory. It
// is only used in leaks-only mode, to zero newly grown stack space so stale
// pointer values don't mislead the leak scan.
type AppMemory interface {
	Zero(start, end mempf.Address)
}

// thresholdState is the mutable adaptive state behind the threshold lock.
type thresholdState struct {
	value uint64
	// nonSwaps counts consecutive swap triggers that turned out to be
	// intra-stack adjustments at the current threshold.
	nonSwaps int
}

// Engine is the stack-pointer adjustment tracker. One Engine serves all
// monitored threads; everything it does is synchronous, inline with the
// triggering thread's execution.
type Engine struct {
	cfg     Config
	shadow  ShadowMap
	regions RegionResolver

	mem   AppMemory
	pause func(reason string)

	// fastThreshold mirrors the swap threshold for lock-free reads on the
	// fast tier. Updated only while holding the threshold lock.
	fastThreshold atomic.Int64
	threshold     xsync.RWMutex[thresholdState]

	// handlers is the generated-handler cache: one shared entry per
	// (adjustment type, flags-live) pair, built at startup and immutable
	// thereafter.
	handlers [2][adjustFastLast + 1]*genHandler
}

// New builds an Engine. The handler cache is populated here, during the
// single-threaded startup phase, and never written again.
func New(cfg Config, shadowMap ShadowMap, resolver RegionResolver) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		shadow:  shadowMap,
		regions: resolver,
		threshold: xsync.NewRWMutex(thresholdState{
			value: cfg.SwapThreshold,
		}),
	}
	e.fastThreshold.Store(int64(cfg.SwapThreshold))
	e.buildHandlerCache()
	return e, nil
}

// SetAppMemory installs the monitored-memory writer used for leaks-only
// zeroing. Without it, leaks-only growth adjustments are plain no-ops.
func (e *Engine) SetAppMemory(mem AppMemory) {
	e.mem = mem
}

// SetPauseFunc installs the operator-inspection hook behind the
// pause-at-unaddressable option.
func (e *Engine) SetPauseFunc(pause func(reason string)) {
	e.pause = pause
}

// Site is one instrumentation site: a decoded stack-pointer-writing
// instruction plus the raw code bytes at the site, which the shared slow
// path needs to re-derive the adjustment type.
type Site struct {
	Inst x86asm.Inst
	Code []byte
	// FlagsLive records whether the flag state is live across the site,
	// which selects the shared handler variant.
	FlagsLive bool

	typ     AdjustmentType
	imm     int64
	hasImm  bool
	handler *genHandler
}

// Type returns the adjustment type assigned by ClassifyAndInstrument.
func (s *Site) Type() AdjustmentType {
	return s.typ
}

// NeedsValue reports whether Apply requires the caller to supply the
// runtime operand value (register or memory shaped operands).
func (s *Site) NeedsValue() bool {
	return !s.hasImm
}

// ClassifyAndInstrument classifies a candidate instruction and, when it
// needs explicit handling, binds the site to its dispatch strategy. It
// returns whether the site was instrumented. The instruction must have been
// confirmed to write the stack-pointer register; a confirmed writer that
// matches no recognized shape is an un-ported instruction and fatal.
func (e *Engine) ClassifyAndInstrument(site *Site) bool {
	inst := &site.Inst
	if !amd.WritesSP(inst) {
		return false
	}
	if !needsAdjustTracking(inst, e.cfg.TrackDefinedness) {
		return false
	}

	typ := instAdjustmentType(inst)
	if typ == AdjustInvalid {
		log.Fatalf("New stack-adjusting instr: %v", inst)
	}

	site.typ = typ
	site.imm, site.hasImm = siteOperand(inst)
	site.handler = nil
	if e.cfg.FastPath && typ >= adjustFastFirst && typ <= adjustFastLast {
		site.handler = e.handlers[boolIdx(site.FlagsLive)][typ]
	}
	return true
}

func boolIdx(b bool) int {
	// don't trust true always being 1
	if b {
		return 1
	}
	return 0
}
