// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package replay // import "github.com/memtrack-dev/memtrack/replay"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/memtrack-dev/memtrack/mempf"
)

// EventKind identifies one trace line shape.
type EventKind int

const (
	// EventArena declares a heap arena: "arena <base> <size>".
	EventArena EventKind = iota
	// EventAlloc declares a large heap allocation: "alloc <base> <size>".
	EventAlloc
	// EventFree retires a large heap allocation: "free <base>".
	EventFree
	// EventMap declares an anonymous mapping: "map <base> <size>".
	EventMap
	// EventUnmap retires an anonymous mapping: "unmap <base>".
	EventUnmap
	// EventAdjust replays one stack-pointer adjustment:
	// "adjust <op> <sp> [value]".
	EventAdjust
	// EventWrite replays an unexpected stack write:
	// "write <addr> <start>".
	EventWrite
	// EventStackSize feeds a known thread stack size:
	// "stacksize <size>".
	EventStackSize
	// EventDump prints the shadow state of a range:
	// "dump <start> <end>".
	EventDump
)

// Event is one parsed trace line.
type Event struct {
	Kind EventKind
	// Op is the adjustment mnemonic for EventAdjust lines.
	Op string
	// Addr is the base, stack-pointer or write address, by kind.
	Addr mempf.Address
	// Value is the size, operand value or range end, by kind.
	Value uint64
	// HasValue distinguishes an absent optional operand from zero.
	HasValue bool

	Line int
}

// OpenTrace opens a trace file for reading, transparently decompressing
// zstd traces by their file extension. The returned closer owns both the
// file and the decompressor.
func OpenTrace(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasSuffix(path, ".zst") && !strings.HasSuffix(path, ".zstd") {
		return f, func() { _ = f.Close() }, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return dec, func() {
		dec.Close()
		_ = f.Close()
	}, nil
}

// ParseTrace reads the textual trace format: one event per line, blank
// lines and #-comments ignored, numbers in any base strconv accepts.
func ParseTrace(r io.Reader) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ev, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("trace line %d: %w", lineNo, err)
		}
		ev.Line = lineNo
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func parseLine(line string) (Event, error) {
	fields := strings.Fields(line)
	verb, args := fields[0], fields[1:]

	num := func(i int) (uint64, error) {
		if i >= len(args) {
			return 0, fmt.Errorf("%s: missing argument %d", verb, i+1)
		}
		v, err := strconv.ParseUint(args[i], 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: argument %q: %w", verb, args[i], err)
		}
		return v, nil
	}

	pair := func(kind EventKind) (Event, error) {
		base, err := num(0)
		if err != nil {
			return Event{}, err
		}
		size, err := num(1)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: kind, Addr: mempf.Address(base),
			Value: size, HasValue: true}, nil
	}

	switch verb {
	case "arena":
		return pair(EventArena)
	case "alloc":
		return pair(EventAlloc)
	case "map":
		return pair(EventMap)
	case "dump":
		return pair(EventDump)
	case "write":
		return pair(EventWrite)
	case "free", "unmap":
		base, err := num(0)
		if err != nil {
			return Event{}, err
		}
		kind := EventFree
		if verb == "unmap" {
			kind = EventUnmap
		}
		return Event{Kind: kind, Addr: mempf.Address(base)}, nil
	case "stacksize":
		size, err := num(0)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventStackSize, Value: size}, nil
	case "adjust":
		if len(args) < 2 {
			return Event{}, fmt.Errorf("adjust: need <op> <sp> [value]")
		}
		sp, err := num(1)
		if err != nil {
			return Event{}, err
		}
		ev := Event{Kind: EventAdjust, Op: args[0], Addr: mempf.Address(sp)}
		if len(args) > 2 {
			if ev.Value, err = num(2); err != nil {
				return Event{}, err
			}
			ev.HasValue = true
		}
		return ev, nil
	}
	return Event{}, fmt.Errorf("unknown trace verb %q", verb)
}
