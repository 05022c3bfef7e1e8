// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

// Package shadow implements the shadow byte-map of the memory-safety checker.
//
// Every 4 bytes of monitored-process memory are described by one shadow byte
// holding a State. The map is organized as fixed-size blocks, each covering
// 64 KiB of monitored memory. Blocks are materialized lazily; memory that was
// never marked reads back as Unaddressable. Lookups never implicitly cross a
// block boundary: callers that iterate past the end of a block re-enter
// LookupUnit with the next address.
package shadow // import "github.com/memtrack-dev/memtrack/shadow"

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/memtrack-dev/memtrack/mempf"
)

// State describes one shadow unit of monitored memory.
type State byte

const (
	// Unaddressable memory must not be read or written by the monitored
	// program. The zero value, so unmaterialized blocks read back as it.
	Unaddressable State = iota
	// Undefined memory may be written, but reading it before a write is
	// reported.
	Undefined
	// Defined memory may be read and written freely.
	Defined
)

func (s State) String() string {
	switch s {
	case Unaddressable:
		return "unaddressable"
	case Undefined:
		return "undefined"
	case Defined:
		return "defined"
	}
	return "invalid"
}

const (
	// UnitSize is the number of monitored-memory bytes per shadow byte.
	UnitSize = 4
	// BlockCoverage is the number of monitored-memory bytes per block.
	BlockCoverage = 1 << 16

	blockShadowLen = BlockCoverage / UnitSize
	numBlocks      = 1 << 16 // 32-bit monitored address space
)

type block struct {
	bytes []byte
	// mapped is set if bytes is backed by an anonymous mapping instead of
	// the Go heap, and needs an munmap on Close.
	mapped bool
}

// Map is the shadow byte-map. Shadow byte stores from different threads do
// not require locking; only lazy block materialization is synchronized.
type Map struct {
	allocMu sync.Mutex
	blocks  [numBlocks]atomic.Pointer[block]
}

// NewMap returns an empty shadow map with all memory Unaddressable.
func NewMap() *Map {
	return &Map{}
}

// Close releases all materialized blocks.
func (m *Map) Close() error {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	var err error
	for i := range m.blocks {
		blk := m.blocks[i].Swap(nil)
		if blk != nil && blk.mapped {
			if uerr := unix.Munmap(blk.bytes); uerr != nil && err == nil {
				err = uerr
			}
		}
	}
	return err
}

func (m *Map) blockFor(addr mempf.Address) *block {
	idx := blockIndex(addr)
	if blk := m.blocks[idx].Load(); blk != nil {
		return blk
	}
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	if blk := m.blocks[idx].Load(); blk != nil {
		return blk
	}
	blk := newBlock()
	m.blocks[idx].Store(blk)
	return blk
}

func newBlock() *block {
	bytes, err := unix.Mmap(-1, 0, blockShadowLen,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		log.Debugf("Falling back to heap-backed shadow block: %v", err)
		return &block{bytes: make([]byte, blockShadowLen)}
	}
	return &block{bytes: bytes, mapped: true}
}

func blockIndex(addr mempf.Address) uint32 {
	if uint64(addr) >= numBlocks*BlockCoverage {
		log.Fatalf("Shadow lookup outside the monitored address space: %v", addr)
	}
	return uint32(addr >> 16)
}

// LookupUnit translates addr into its shadow block. It returns the block's
// shadow bytes and the index of the unit containing addr. The remaining
// monitored bytes reachable without a new lookup are
// (len(units)-idx)*UnitSize; advancing past either end of units requires
// re-entering LookupUnit.
func (m *Map) LookupUnit(addr mempf.Address) (units []byte, idx int) {
	blk := m.blockFor(addr)
	return blk.bytes, int(addr%BlockCoverage) / UnitSize
}

// MarkRange sets every shadow unit touched by [start, end) to st.
// A unit partially covered by the range is set as a whole.
func (m *Map) MarkRange(start, end mempf.Address, st State) {
	if start >= end {
		return
	}
	addr := start &^ (UnitSize - 1)
	for addr < end {
		units, idx := m.LookupUnit(addr)
		for idx < len(units) && addr < end {
			units[idx] = byte(st)
			idx++
			addr += UnitSize
		}
	}
}

// Get returns the state of the unit containing addr. Unmaterialized blocks
// read back as Unaddressable without being materialized.
func (m *Map) Get(addr mempf.Address) State {
	blk := m.blocks[blockIndex(addr)].Load()
	if blk == nil {
		return Unaddressable
	}
	return State(blk.bytes[int(addr%BlockCoverage)/UnitSize])
}
