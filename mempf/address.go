// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package mempf // import "github.com/memtrack-dev/memtrack/mempf"

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Address represents an address, or offset within a monitored process.
type Address uintptr

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash returns a 64 bits hash of the input.
func (adr Address) Hash() uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(adr))
	return xxh3.Hash(buf[:])
}

func (adr Address) String() string {
	return fmt.Sprintf("%#x", uintptr(adr))
}

// PageAlignDown rounds the address down to the start of its page.
func (adr Address) PageAlignDown(pageSize uint) Address {
	return adr &^ Address(pageSize-1)
}

// Delta is a signed distance between two monitored-process addresses.
type Delta int64

// DeltaBetween returns to - from as a signed delta. Monitored addresses fit
// in 32 bits, so the subtraction cannot overflow the signed 64-bit range.
func DeltaBetween(from, to Address) Delta {
	return Delta(int64(to) - int64(from))
}

// Magnitude returns the absolute value of the delta.
func (d Delta) Magnitude() uint64 {
	if d < 0 {
		return uint64(-d)
	}
	return uint64(d)
}
