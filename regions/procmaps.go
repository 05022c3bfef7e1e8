// Copyright The MemTrack Authors
// SPDX-License-Identifier: Apache-2.0

package regions // import "github.com/memtrack-dev/memtrack/regions"

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/memtrack-dev/memtrack/mempf"
	"github.com/memtrack-dev/memtrack/stringutil"
)

const defaultMountPoint = "/proc"

// ProcMapsQuery returns a QueryFunc backed by /proc/<pid>/maps. This is the
// generic query of last resort: it re-reads the maps file on every miss, so
// callers are expected to sit behind the Resolver's cache.
func ProcMapsQuery(pid int) QueryFunc {
	path := fmt.Sprintf("%s/%d/maps", defaultMountPoint, pid)
	return func(addr mempf.Address) (Region, bool) {
		region, err := findMapping(path, addr)
		if err != nil {
			log.Debugf("Memory-map query for %v failed: %v", addr, err)
			return Region{}, false
		}
		return region, true
	}
}

func findMapping(path string, addr mempf.Address) (Region, error) {
	file, err := os.Open(path)
	if err != nil {
		return Region{}, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()

		var fields [6]string
		if n := stringutil.FieldsN(line, fields[:]); n < 5 {
			return Region{}, fmt.Errorf("unexpected line in maps: '%s'", line)
		}
		start, end, ok := parseMapsRange(fields[0])
		if !ok {
			return Region{}, fmt.Errorf("failed to parse range: '%s'", fields[0])
		}
		if addr >= start && addr < end {
			return Region{Base: start, Size: uint64(end - start)}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return Region{}, err
	}
	return Region{}, fmt.Errorf("no mapping contains %v", addr)
}

func parseMapsRange(field string) (start, end mempf.Address, ok bool) {
	lo, hi, found := strings.Cut(field, "-")
	if !found {
		return 0, 0, false
	}
	s, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return 0, 0, false
	}
	e, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return 0, 0, false
	}
	return mempf.Address(s), mempf.Address(e), true
}
