// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package mempf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeltaBetween(t *testing.T) {
	tests := map[string]struct {
		from, to  Address
		delta     Delta
		magnitude uint64
	}{
		"zero":   {from: 0x1000, to: 0x1000, delta: 0, magnitude: 0},
		"shrink": {from: 0x1000, to: 0x1800, delta: 0x800, magnitude: 0x800},
		"grow":   {from: 0x1000, to: 0x500, delta: -0xb00, magnitude: 0xb00},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			d := DeltaBetween(test.from, test.to)
			assert.Equal(t, test.delta, d)
			assert.Equal(t, test.magnitude, d.Magnitude())
		})
	}
}

func TestPageAlignDown(t *testing.T) {
	assert.Equal(t, Address(0x1000), Address(0x1fff).PageAlignDown(4096))
	assert.Equal(t, Address(0x1000), Address(0x1000).PageAlignDown(4096))
}

func TestHash32Differs(t *testing.T) {
	// Nearby addresses must not collide for cache keying purposes.
	assert.NotEqual(t, Address(0x1000).Hash32(), Address(0x2000).Hash32())
}
