// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"

	"github.com/memtrack-dev/memtrack/stacktrack"
)

const (
	// Default values for CLI flags
	defaultArgSwapThreshold = stacktrack.DefaultSwapThreshold
	defaultArgPageSize      = 4096
	defaultArgFastPath      = true
	defaultArgCheckPush     = true
)

// Help strings for command line arguments
var (
	traceHelp = "Path to the stack-pointer event trace to replay. " +
		"Traces with a .zst or .zstd extension are decompressed on the fly."
	swapThresholdHelp = fmt.Sprintf("Initial stack-swap threshold in bytes. "+
		"Absolute stack-pointer changes larger than this are verified against "+
		"region bounds. Minimum is %d, default is %d.",
		stacktrack.MinSwapThreshold, defaultArgSwapThreshold)
	fastPathHelp = "Use the tiered fast dispatch for common adjustments " +
		"instead of routing everything through the general handler."
	sharedSlowPathHelp = "Route slow-tier sites through the single shared " +
		"handler that re-derives the adjustment type from the site's code."
	checkPushHelp = "Enable the unknown-stack guard for writes to " +
		"addressable memory below the stack pointer."
	pauseHelp = "Prompt for operator inspection when the unknown-stack " +
		"guard cannot resolve a region."
	leaksOnlyHelp = "Disable definedness tracking: stack shrinks are not " +
		"tracked and grown stack space is zeroed instead of marked undefined."
	pageSizeHelp    = "Page size of the traced program, a power of two."
	pidHelp         = "Resolve unknown regions from /proc/<pid>/maps of a live process."
	reportHelp      = "Print counters and cache statistics after the replay."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	versionHelp     = "Show version."
)

type arguments struct {
	trace          string
	swapThreshold  uint64
	fastPath       bool
	sharedSlowPath bool
	checkPush      bool
	pause          bool
	leaksOnly      bool
	pageSize       uint64
	pid            int
	report         bool
	verboseMode    bool
	version        bool

	fs *flag.FlagSet
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("memtrack-stacksim", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.BoolVar(&args.checkPush, "check-push", defaultArgCheckPush, checkPushHelp)

	fs.BoolVar(&args.fastPath, "fastpath", defaultArgFastPath, fastPathHelp)

	fs.BoolVar(&args.leaksOnly, "leaks-only", false, leaksOnlyHelp)

	fs.Uint64Var(&args.pageSize, "page-size", defaultArgPageSize, pageSizeHelp)
	fs.BoolVar(&args.pause, "pause-at-unaddressable", false, pauseHelp)
	fs.IntVar(&args.pid, "pid", 0, pidHelp)

	fs.BoolVar(&args.report, "report", true, reportHelp)

	fs.BoolVar(&args.sharedSlowPath, "shared-slowpath", false, sharedSlowPathHelp)
	fs.Uint64Var(&args.swapThreshold, "stack-swap-threshold",
		defaultArgSwapThreshold, swapThresholdHelp)

	fs.StringVar(&args.trace, "trace", "", traceHelp)

	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("MEMTRACK"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the
		// current build does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}

// engineConfig maps parsed flags onto the tracker configuration.
func (args *arguments) engineConfig() stacktrack.Config {
	return stacktrack.Config{
		SwapThreshold:        args.swapThreshold,
		FastPath:             args.fastPath,
		SharedSlowPath:       args.sharedSlowPath,
		CheckPush:            args.checkPush,
		PauseAtUnaddressable: args.pause,
		TrackDefinedness:     !args.leaksOnly,
		PageSize:             args.pageSize,
	}
}

func (args *arguments) dump() {
	args.fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "v" {
			return
		}
		fmt.Printf("%s: %v\n", f.Name, f.Value)
	})
}
