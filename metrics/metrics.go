// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics implements the fire-and-forget statistics counters of the
// stack tracker. Counts are mirrored into OpenTelemetry instruments and
// into a local snapshot that diagnostic tools can read back.
package metrics // import "github.com/memtrack-dev/memtrack/metrics"

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ID identifies one counter.
type ID int

const (
	IDInvalid ID = iota

	// IDAdjustExecutions counts executed stack-pointer adjustments.
	IDAdjustExecutions
	// IDAdjustFastpath counts adjustments completed on the fast tier.
	IDAdjustFastpath
	// IDAdjustSkipped counts adjustments skipped by the fail-open scan.
	IDAdjustSkipped
	// IDStackSwapTriggers counts threshold-exceeding deltas sent to swap
	// classification.
	IDStackSwapTriggers
	// IDStackSwaps counts adjustments classified as stack swaps.
	IDStackSwaps
	// IDPushAddressable counts writes of addressable memory below the
	// stack pointer.
	IDPushAddressable
	// IDPushAddressableHeap counts those resolved to heap allocations.
	IDPushAddressableHeap
	// IDPushAddressableMmap counts those resolved to anonymous mappings.
	IDPushAddressableMmap
	// IDThresholdRaises counts swap-threshold raises.
	IDThresholdRaises
	// IDThresholdLowers counts swap-threshold drops to the floor.
	IDThresholdLowers

	// IDMax is the array size for all known IDs.
	IDMax
)

type definition struct {
	name        string
	description string
}

var definitions = [IDMax]definition{
	IDAdjustExecutions: {"memtrack.adjust.executions",
		"Number of executed stack-pointer adjustments"},
	IDAdjustFastpath: {"memtrack.adjust.fastpath",
		"Number of adjustments completed on the fast tier"},
	IDAdjustSkipped: {"memtrack.adjust.skipped",
		"Number of adjustments skipped by the fail-open site scan"},
	IDStackSwapTriggers: {"memtrack.swap.triggers",
		"Number of adjustments sent to swap classification"},
	IDStackSwaps: {"memtrack.swap.count",
		"Number of adjustments classified as stack swaps"},
	IDPushAddressable: {"memtrack.push.addressable",
		"Number of unexpected writes of addressable memory below the stack pointer"},
	IDPushAddressableHeap: {"memtrack.push.addressable_heap",
		"Unexpected stack writes resolved to heap allocations"},
	IDPushAddressableMmap: {"memtrack.push.addressable_mmap",
		"Unexpected stack writes resolved to anonymous mappings"},
	IDThresholdRaises: {"memtrack.threshold.raises",
		"Number of stack-swap-threshold raises"},
	IDThresholdLowers: {"memtrack.threshold.lowers",
		"Number of stack-swap-threshold drops to the floor"},
}

var (
	meter = otel.Meter("github.com/memtrack-dev/memtrack")

	counters [IDMax]metric.Int64Counter

	// values mirrors the counters for local snapshot reads; OTel
	// instruments are write-only.
	values [IDMax]atomic.Int64
)

func init() {
	for id := IDInvalid + 1; id < IDMax; id++ {
		counter, err := meter.Int64Counter(definitions[id].name,
			metric.WithDescription(definitions[id].description))
		if err != nil {
			log.Errorf("Creating Int64Counter: %v", err)
			continue
		}
		counters[id] = counter
	}
}

// Inc increments the counter.
func Inc(id ID) {
	Add(id, 1)
}

// Add increments the counter by n.
func Add(id ID, n int64) {
	if id <= IDInvalid || id >= IDMax {
		log.Errorf("Ignoring add of %d to invalid metric ID %d", n, id)
		return
	}
	values[id].Add(n)
	if counters[id] != nil {
		counters[id].Add(context.Background(), n)
	}
}

// Get returns the current local value of the counter.
func Get(id ID) int64 {
	if id <= IDInvalid || id >= IDMax {
		return 0
	}
	return values[id].Load()
}

// Snapshot returns the current value of every counter by name, skipping
// zeroes.
func Snapshot() map[string]int64 {
	snap := make(map[string]int64)
	for id := IDInvalid + 1; id < IDMax; id++ {
		if v := values[id].Load(); v != 0 {
			snap[definitions[id].name] = v
		}
	}
	return snap
}
