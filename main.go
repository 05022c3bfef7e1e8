// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

// memtrack-stacksim replays a recorded trace of stack-pointer events
// through the stack-adjustment tracker, for tuning the swap threshold and
// reproducing misclassifications offline.
package main

import (
	"bufio"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/memtrack-dev/memtrack/regions"
	"github.com/memtrack-dev/memtrack/replay"
	"github.com/memtrack-dev/memtrack/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.dump()
	}

	if code := sanityCheck(args); code != exitSuccess {
		return code
	}

	log.Infof("Starting memtrack-stacksim %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	r, closeTrace, err := replay.OpenTrace(args.trace)
	if err != nil {
		return failure("Failed to open trace: %v", err)
	}
	defer closeTrace()

	events, err := replay.ParseTrace(r)
	if err != nil {
		return failure("Failed to parse trace: %v", err)
	}

	var query regions.QueryFunc
	if args.pid != 0 {
		query = regions.ProcMapsQuery(args.pid)
	}

	session, err := replay.NewSession(args.engineConfig(), query, os.Stdout)
	if err != nil {
		return failure("Failed to create replay session: %v", err)
	}
	defer session.Close()

	if args.pause {
		session.Engine().SetPauseFunc(promptPause)
	}

	if err := session.Run(events); err != nil {
		return failure("Replay failed: %v", err)
	}

	if args.report {
		session.Report()
	}

	log.Info("Exiting ...")
	return exitSuccess
}

// promptPause blocks until the operator confirms, mirroring the attached
// debugger pause of a live run.
func promptPause(reason string) {
	fmt.Printf("Paused: %s. Press enter to continue.\n", reason)
	_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
}

func sanityCheck(args *arguments) exitCode {
	if args.trace == "" {
		return parseError("A trace file is required (-trace)")
	}

	if args.pid < 0 {
		return parseError("Invalid argument for pid: %d", args.pid)
	}

	cfg := args.engineConfig()
	if err := cfg.Validate(); err != nil {
		return parseError("Invalid tracker configuration: %v", err)
	}

	return exitSuccess
}

func parseError(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
