// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtrack-dev/memtrack/mempf"
	"github.com/memtrack-dev/memtrack/shadow"
	"github.com/memtrack-dev/memtrack/stacktrack"
)

func TestParseTrace(t *testing.T) {
	trace := `
# comment
map 0x1000000 0x2000
adjust sub 0x1001f00 0x20
adjust mov 0x1001ee0 0x1001f00
stacksize 8192
write 0x1000800 0x10007fc
dump 0x1001e00 0x1001f00
`
	events, err := ParseTrace(strings.NewReader(trace))
	require.NoError(t, err)
	require.Len(t, events, 6)

	assert.Equal(t, EventMap, events[0].Kind)
	assert.Equal(t, mempf.Address(0x1000000), events[0].Addr)
	assert.Equal(t, uint64(0x2000), events[0].Value)

	assert.Equal(t, EventAdjust, events[1].Kind)
	assert.Equal(t, "sub", events[1].Op)
	assert.True(t, events[1].HasValue)

	assert.Equal(t, EventStackSize, events[3].Kind)
	assert.Equal(t, uint64(8192), events[3].Value)

	assert.Equal(t, EventWrite, events[4].Kind)
	assert.Equal(t, EventDump, events[5].Kind)
}

func TestParseTraceErrors(t *testing.T) {
	tests := map[string]string{
		"unknown verb":     "frobnicate 1 2",
		"missing argument": "map 0x1000",
		"bad number":       "alloc 0x1000 banana",
		"bare adjust":      "adjust sub",
	}
	for name, line := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTrace(strings.NewReader(line))
			assert.Error(t, err)
		})
	}
}

func TestSessionReplay(t *testing.T) {
	trace := `
map 0x0 0x2000
adjust sub 0x1000 0x20
adjust mov 0xfe0 0x500
adjust ret 0x500 8
`
	events, err := ParseTrace(strings.NewReader(trace))
	require.NoError(t, err)

	var out bytes.Buffer
	session, err := NewSession(stacktrack.Config{
		SwapThreshold:    stacktrack.MinSwapThreshold,
		FastPath:         true,
		TrackDefinedness: true,
	}, nil, &out)
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Run(events))

	// sub grew [0xfe0, 0x1000); the mov grew [0x500, 0xfe0) within the
	// mapping; ret 8 vacated [0x504, 0x50c).
	assert.Equal(t, shadow.Undefined, session.shadowMap.Get(0xfe0))
	assert.Equal(t, shadow.Undefined, session.shadowMap.Get(0x500))
	assert.Equal(t, shadow.Unaddressable, session.shadowMap.Get(0x504))
	assert.Equal(t, shadow.Unaddressable, session.shadowMap.Get(0x508))
	assert.Equal(t, shadow.Undefined, session.shadowMap.Get(0x50c))
}

func TestSessionSiteCache(t *testing.T) {
	session, err := NewSession(stacktrack.Config{TrackDefinedness: true},
		nil, io.Discard)
	require.NoError(t, err)
	defer session.Close()

	ev := Event{Kind: EventAdjust, Op: "sub", Addr: 0x1000,
		Value: 0x20, HasValue: true}
	first, err := session.siteFor(ev)
	require.NoError(t, err)
	second, err := session.siteFor(ev)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// A different immediate is a different site.
	ev.Value = 0x40
	third, err := session.siteFor(ev)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestSessionUntrackedAdjustSkipped(t *testing.T) {
	session, err := NewSession(stacktrack.Config{TrackDefinedness: false},
		nil, io.Discard)
	require.NoError(t, err)
	defer session.Close()

	// In leaks-only mode a plain stack shrink needs no tracking.
	require.NoError(t, session.Run([]Event{
		{Kind: EventAdjust, Op: "ret", Addr: 0x1000, Value: 8, HasValue: true},
	}))
}

func TestSessionMissingOperand(t *testing.T) {
	session, err := NewSession(stacktrack.Config{TrackDefinedness: true},
		nil, io.Discard)
	require.NoError(t, err)
	defer session.Close()

	err = session.Run([]Event{{Kind: EventAdjust, Op: "mov", Addr: 0x1000}})
	assert.ErrorContains(t, err, "operand value required")
}

func TestSessionDump(t *testing.T) {
	var out bytes.Buffer
	session, err := NewSession(stacktrack.Config{TrackDefinedness: true},
		nil, &out)
	require.NoError(t, err)
	defer session.Close()

	session.shadowMap.MarkRange(0x1010, 0x1020, shadow.Undefined)
	session.dumpRange(0x1000, 0x1030)

	dump := out.String()
	assert.Contains(t, dump, "unaddressable")
	assert.Contains(t, dump, "undefined")
}

func TestOpenTraceZstd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.txt.zst")

	f, err := os.Create(path)
	require.NoError(t, err)
	enc, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = enc.Write([]byte("map 0x1000 0x2000\n"))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	r, closer, err := OpenTrace(path)
	require.NoError(t, err)
	defer closer()

	events, err := ParseTrace(r)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventMap, events[0].Kind)
}
