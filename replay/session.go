// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

// Package replay drives the stack-adjustment engine from a recorded trace
// of stack-pointer events, standing in for the instrumentation layer. It
// exists for offline tuning of the swap threshold and for reproducing
// misclassifications outside the monitored program.
package replay // import "github.com/memtrack-dev/memtrack/replay"

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/memtrack-dev/memtrack/asm/amd"
	"github.com/memtrack-dev/memtrack/mempf"
	"github.com/memtrack-dev/memtrack/metrics"
	"github.com/memtrack-dev/memtrack/regions"
	"github.com/memtrack-dev/memtrack/shadow"
	"github.com/memtrack-dev/memtrack/stacktrack"
)

// Session replays one trace against a fresh engine and shadow map.
type Session struct {
	// ID tags all diagnostics of this replay run.
	ID uuid.UUID

	engine    *stacktrack.Engine
	shadowMap *shadow.Map
	resolver  *regions.Resolver
	zeroed    zeroCounter
	leaksOnly bool

	sites map[string]*stacktrack.Site
	out   io.Writer
}

// zeroCounter stands in for monitored-memory access: the replay has no
// program to write to, so leaks-only zeroing just accounts the bytes.
type zeroCounter struct {
	bytes uint64
}

func (z *zeroCounter) Zero(start, end mempf.Address) {
	z.bytes += uint64(end - start)
}

// NewSession builds a session. query is the fallback region lookup used
// when an address matches no trace-declared region, and may be nil.
func NewSession(cfg stacktrack.Config, query regions.QueryFunc,
	out io.Writer) (*Session, error) {
	resolver, err := regions.NewResolver(query)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        uuid.New(),
		shadowMap: shadow.NewMap(),
		resolver:  resolver,
		leaksOnly: !cfg.TrackDefinedness,
		sites:     make(map[string]*stacktrack.Site),
		out:       out,
	}
	s.engine, err = stacktrack.New(cfg, s.shadowMap, resolver)
	if err != nil {
		_ = s.shadowMap.Close()
		return nil, err
	}
	s.engine.SetAppMemory(&s.zeroed)
	return s, nil
}

// Engine exposes the replayed engine, e.g. for installing a pause hook.
func (s *Session) Engine() *stacktrack.Engine {
	return s.engine
}

func (s *Session) Close() {
	_ = s.shadowMap.Close()
}

// Run replays events in order. The first malformed event aborts the run;
// everything replayed before it has already taken effect.
func (s *Session) Run(events []Event) error {
	log.Infof("Replay session %s: %d events", s.ID, len(events))
	for _, ev := range events {
		if err := s.apply(ev); err != nil {
			return fmt.Errorf("line %d: %w", ev.Line, err)
		}
	}
	return nil
}

func (s *Session) apply(ev Event) error {
	switch ev.Kind {
	case EventArena:
		s.resolver.AddHeapArena(ev.Addr, ev.Value)
	case EventAlloc:
		s.resolver.AddLargeAlloc(ev.Addr, ev.Value)
	case EventFree:
		s.resolver.RemoveLargeAlloc(ev.Addr)
	case EventMap:
		s.resolver.AddAnonMapping(ev.Addr, ev.Value)
	case EventUnmap:
		s.resolver.RemoveAnonMapping(ev.Addr)
	case EventStackSize:
		s.engine.CheckStackSizeVsThreshold(ev.Value)
	case EventWrite:
		s.engine.HandleUnexpectedStackWrite(ev.Addr, mempf.Address(ev.Value))
	case EventAdjust:
		return s.applyAdjust(ev)
	case EventDump:
		s.dumpRange(ev.Addr, mempf.Address(ev.Value))
	default:
		return fmt.Errorf("unhandled event kind %d", ev.Kind)
	}
	return nil
}

func (s *Session) applyAdjust(ev Event) error {
	site, err := s.siteFor(ev)
	if err != nil {
		return err
	}
	if site == nil {
		log.Debugf("Adjustment %q needs no tracking, skipping", ev.Op)
		return nil
	}
	if site.NeedsValue() && !ev.HasValue {
		return fmt.Errorf("adjust %s: operand value required", ev.Op)
	}
	s.engine.Apply(site, ev.Addr, int64(ev.Value))
	return nil
}

// siteFor returns the classified site replaying ev, building and caching
// it on first use. A nil site means the adjustment needs no tracking.
func (s *Session) siteFor(ev Event) (*stacktrack.Site, error) {
	key := ev.Op
	if immBaked(ev.Op) {
		key = fmt.Sprintf("%s:%d", ev.Op, ev.Value)
	}
	if site, ok := s.sites[key]; ok {
		return site, nil
	}

	code, err := encodeAdjust(ev)
	if err != nil {
		return nil, err
	}
	inst, err := x86asm.Decode(code, amd.DecodeMode)
	if err != nil {
		return nil, fmt.Errorf("adjust %s: encode: %w", ev.Op, err)
	}
	site := &stacktrack.Site{Inst: inst, Code: code}
	if !s.engine.ClassifyAndInstrument(site) {
		site = nil
	}
	s.sites[key] = site
	return site, nil
}

// immBaked reports whether the mnemonic carries its operand as an
// instruction immediate, making the cached site value-specific.
func immBaked(op string) bool {
	switch op {
	case "sub", "add", "and", "ret", "enter":
		return true
	}
	return false
}

// encodeAdjust renders the canonical 32-bit encoding of one adjustment
// mnemonic, baking the operand in as an immediate where the instruction
// shape demands one.
func encodeAdjust(ev Event) ([]byte, error) {
	imm32 := func(opcode, modrm byte) []byte {
		code := []byte{opcode, modrm, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(code[2:], uint32(ev.Value))
		return code
	}

	switch ev.Op {
	case "mov": // mov esp,eax
		return []byte{0x89, 0xc4}, nil
	case "lea": // lea esp,[ebp-8]
		return []byte{0x8d, 0x65, 0xf8}, nil
	case "xchg": // xchg esp,eax
		return []byte{0x94}, nil
	case "leave":
		return []byte{0xc9}, nil
	case "pop-esp":
		return []byte{0x5c}, nil
	case "inc":
		return []byte{0x44}, nil
	case "dec":
		return []byte{0x4c}, nil
	case "sub":
		return imm32(0x81, 0xec), nil
	case "add":
		return imm32(0x81, 0xc4), nil
	case "and":
		return imm32(0x81, 0xe4), nil
	case "ret":
		code := []byte{0xc2, 0, 0}
		binary.LittleEndian.PutUint16(code[1:], uint16(ev.Value))
		return code, nil
	case "enter":
		code := []byte{0xc8, 0, 0, 0}
		binary.LittleEndian.PutUint16(code[1:], uint16(ev.Value))
		return code, nil
	}
	return nil, fmt.Errorf("unknown adjustment mnemonic %q", ev.Op)
}

// dumpRange prints the shadow state of [start, end) as runs of identical
// state, one run per line.
func (s *Session) dumpRange(start, end mempf.Address) {
	fmt.Fprintf(s.out, "shadow [%v, %v):\n", start, end)
	runStart := start
	runState := s.shadowMap.Get(start)
	emit := func(upto mempf.Address) {
		fmt.Fprintf(s.out, "  [%v, %v) %s\n", runStart, upto, runState)
	}
	for addr := start + shadow.UnitSize; addr < end; addr += shadow.UnitSize {
		st := s.shadowMap.Get(addr)
		if st != runState {
			emit(addr)
			runStart, runState = addr, st
		}
	}
	emit(end)
}

// Report prints the final counters of the replay.
func (s *Session) Report() {
	fmt.Fprintf(s.out, "session %s\n", s.ID)
	fmt.Fprintf(s.out, "swap threshold: %d\n", s.engine.SwapThreshold())
	fmt.Fprintf(s.out, "consecutive non-swaps: %d\n", s.engine.ConsecutiveNonSwaps())
	if s.leaksOnly {
		fmt.Fprintf(s.out, "zeroed stack bytes: %d\n", s.zeroed.bytes)
	}

	snap := metrics.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(s.out, "%s: %d\n", name, snap[name])
	}

	stats := s.resolver.CacheStatistics()
	fmt.Fprintf(s.out, "region cache: %d hits, %d misses\n",
		stats.Hit, stats.Miss)
}
