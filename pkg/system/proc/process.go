//go:build linux

package proc

import "time"

// Process is one observed process at one sampling instant.
type Process struct {
	PID       int
	PPID      int
	UID       uint32
	Name      string // comm, as the kernel truncates it
	State     byte
	StartTime time.Duration // since boot
	CPUTime   time.Duration // utime+stime, millisecond resolution
	Command   string        // full command line, space separated

	// Usage is Δcputime/Δwalltime since the previous sample of the same
	// process, zero on first sighting. It can exceed 1 for multithreaded
	// processes.
	Usage float64
}

// Filter selects which processes an iteration pass yields.
type Filter struct {
	// PID restricts the pass to one process (0 = every process).
	PID int
	// IncludeChildren also yields every descendant of PID.
	IncludeChildren bool
	// UID, when set, drops processes owned by other users.
	UID *uint32
	// ExcludeInteractive consults the FS exclusion predicate.
	ExcludeInteractive bool
}
