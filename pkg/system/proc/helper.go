//go:build linux

package proc

import (
	"strconv"
	"strings"
	"time"
)

// parsePID accepts only all-digit names, like the kernel uses for
// process directories.
func parsePID(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return 0, false
		}
	}
	pid, err := strconv.Atoi(name)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// ticksToDuration converts clock ticks to a duration with millisecond
// resolution.
func ticksToDuration(ticks uint64, hz int) time.Duration {
	if hz <= 0 {
		return 0
	}
	ms := ticks * 1000 / uint64(hz)
	return time.Duration(ms) * time.Millisecond
}

// firstToken returns the command line up to the first space.
func firstToken(cmdline string) string {
	if i := strings.IndexByte(cmdline, ' '); i >= 0 {
		return cmdline[:i]
	}
	return cmdline
}

// baseName strips any path prefix. A trailing slash leaves the input as is.
func baseName(s string) string {
	i := strings.LastIndexByte(s, '/')
	if i < 0 || i == len(s)-1 {
		return s
	}
	return s[i+1:]
}
