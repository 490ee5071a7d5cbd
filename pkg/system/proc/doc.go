// Package proc enumerates Linux processes from procfs for the CPU limiter.
// It has no notion of throttling; it only answers "which processes match,
// and how much CPU have they used so far".
//
// Overview
//
//   - FS / Iterator:
//     fs := proc.NewFS("/proc", excluder)
//     it, err := fs.Open(proc.Filter{PID: 1234, IncludeChildren: true})
//     for p, ok := it.Next(); ok; p, ok = it.Next() { ... }
//     err = it.Err(); it.Close()
//
//     A pass is lazy (directory entries are pulled in small batches) and
//     single-use: open a new one for every sampling period. Close is
//     idempotent.
//
//   - Filter semantics:
//     PID == 0                    : every numeric /proc entry is a candidate
//     PID != 0, !IncludeChildren  : only PID itself, no directory scan
//     PID != 0, IncludeChildren   : PID and every process whose parent chain
//     reaches PID. The chain is walked one fresh stat read per hop and is
//     bounded, so churn or a corrupt snapshot cannot loop forever.
//     UID                         : drop processes with another real uid
//     ExcludeInteractive          : drop processes the FS Excluder rejects
//
//   - Races:
//     Processes exit all the time. A candidate (or one of its ancestors)
//     that vanishes between listing and reading is skipped silently and
//     counted in DirIterator.Skipped. Zombies are skipped too: they cannot
//     be scheduled and an unreaped child must not keep a group alive.
//
//   - Errors (errs.go):
//     ErrSourceUnavailable : procfs root missing, not procfs, or unlistable
//     ErrProcessGone       : per-candidate race, never returned by Next
//     ErrNoStat/ErrShortStat/ErrNoUID : malformed per-pid files
//     ErrNoMatch           : FindByName found nothing
//
// Fields read per process
//
//	/proc/<pid>/stat    : comm, state, ppid, utime+stime, starttime
//	/proc/<pid>/status  : real uid
//	/proc/<pid>/cmdline : argv joined with spaces (empty for kernel threads)
//
// CPU time is (utime+stime) converted from clock ticks at millisecond
// resolution; see ClockTicks for the tick rate.
//
// Testing guidance
//
//   - Use package proctest to lay out a fake procfs under t.TempDir() and
//     point NewFS at it. Only CheckMounted needs the real /proc.
package proc
