package proc

import "errors"

var (
	// ErrSourceUnavailable indicates that the procfs root is not mounted,
	// not procfs, or could not be listed.
	ErrSourceUnavailable = errors.New("proc: process information source unavailable")

	// ErrProcessGone indicates that a process disappeared between discovery
	// and a detail read. Iterators recover from it locally.
	ErrProcessGone = errors.New("proc: process gone")

	// ErrNoStat indicates that /proc/<pid>/stat was empty or malformed.
	ErrNoStat = errors.New("proc: malformed or empty stat")

	// ErrShortStat indicates that /proc/<pid>/stat had fewer fields than expected.
	ErrShortStat = errors.New("proc: short stat")

	// ErrNoUID indicates that /proc/<pid>/status had no parsable Uid line.
	ErrNoUID = errors.New("proc: no uid")

	// ErrNoMatch indicates that no process matched a name lookup.
	ErrNoMatch = errors.New("proc: no matching process")
)
