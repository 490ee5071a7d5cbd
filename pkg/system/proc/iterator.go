//go:build linux

package proc

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	// readBatch is how many directory entries are pulled per getdents round.
	readBatch = 128

	// maxAncestorDepth bounds the parent walk under pid churn.
	maxAncestorDepth = 512
)

// Iterator is a lazy, single-pass sequence of processes.
type Iterator interface {
	// Next returns the next matching process, or false once the pass is over.
	Next() (Process, bool)
	// Err reports a failure of the source itself, if the pass ended early.
	Err() error
	// Close releases the pass. Closing twice is a no-op.
	Close() error
}

// Opener starts a new iteration pass.
type Opener func(Filter) (Iterator, error)

// Excluder decides whether a command line belongs to a process that must
// never be throttled.
type Excluder interface {
	Excluded(cmdline string) bool
}

// FS reads process information from a procfs tree.
type FS struct {
	// Root defaults to DefaultRoot.
	Root string
	// Exclude is consulted only when a Filter sets ExcludeInteractive.
	Exclude Excluder
}

// NewFS returns an FS rooted at root with the given exclusion predicate.
func NewFS(root string, ex Excluder) *FS {
	return &FS{Root: root, Exclude: ex}
}

func (fs *FS) root() string {
	if fs.Root == "" {
		return DefaultRoot
	}
	return fs.Root
}

// Open starts a pass over the process table.
func (fs *FS) Open(f Filter) (Iterator, error) {
	dir, err := os.Open(fs.root())
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "open %s: %v", fs.root(), err)
	}
	return &DirIterator{fs: fs, filter: f, dir: dir, hz: ClockTicks()}, nil
}

// Opener adapts Open to the Opener type.
func (fs *FS) Opener() Opener {
	return fs.Open
}

// DirIterator walks the numeric entries of a procfs directory.
type DirIterator struct {
	fs     *FS
	filter Filter
	dir    *os.File
	hz     int

	batch   []os.DirEntry
	done    bool
	err     error
	skipped int
}

// Next implements Iterator.
func (it *DirIterator) Next() (Process, bool) {
	if it.done {
		return Process{}, false
	}

	// A single target without descendants needs no directory scan.
	if it.filter.PID != 0 && !it.filter.IncludeChildren {
		it.finish()
		return it.candidate(it.filter.PID)
	}

	for {
		if len(it.batch) == 0 {
			ents, err := it.dir.ReadDir(readBatch)
			if len(ents) == 0 {
				if err != nil && err != io.EOF {
					it.err = errors.Wrapf(ErrSourceUnavailable, "read %s: %v", it.fs.root(), err)
				}
				it.finish()
				return Process{}, false
			}
			it.batch = ents
		}
		name := it.batch[0].Name()
		it.batch = it.batch[1:]

		pid, ok := parsePID(name)
		if !ok {
			continue
		}
		if it.filter.PID != 0 && pid != it.filter.PID && !it.descends(pid) {
			continue
		}
		if p, ok := it.candidate(pid); ok {
			return p, true
		}
	}
}

// Err implements Iterator.
func (it *DirIterator) Err() error { return it.err }

// Skipped returns how many candidates vanished mid-read during this pass.
func (it *DirIterator) Skipped() int { return it.skipped }

// Close implements Iterator.
func (it *DirIterator) Close() error {
	it.done = true
	it.batch = nil
	if it.dir == nil {
		return nil
	}
	err := it.dir.Close()
	it.dir = nil
	return err
}

func (it *DirIterator) finish() {
	_ = it.Close()
}

// descends walks the parent chain of pid looking for the filter target.
// Each hop is a fresh stat read; a failed hop means the chain changed
// under us and the candidate is dropped.
func (it *DirIterator) descends(pid int) bool {
	ppid := pid
	for depth := 0; depth < maxAncestorDepth; depth++ {
		if ppid == it.filter.PID {
			return true
		}
		if ppid <= 1 {
			return false
		}
		next, err := ReadPPID(it.fs.root(), ppid)
		if err != nil {
			it.skipped++
			return false
		}
		ppid = next
	}
	return false
}

// candidate reads pid in detail and applies the uid and exclusion filters.
func (it *DirIterator) candidate(pid int) (Process, bool) {
	p, err := readProcess(it.fs.root(), pid, it.hz)
	if err != nil {
		it.skipped++
		return Process{}, false
	}
	if it.filter.UID != nil && p.UID != *it.filter.UID {
		return Process{}, false
	}
	if it.filter.ExcludeInteractive && it.fs.Exclude != nil && it.fs.Exclude.Excluded(p.Command) {
		return Process{}, false
	}
	return p, true
}

func readProcess(root string, pid, hz int) (Process, error) {
	st, err := ReadStat(root, pid)
	if err != nil {
		return Process{}, errors.Wrapf(ErrProcessGone, "pid %d: stat: %v", pid, err)
	}
	if st.Defunct() {
		return Process{}, errors.Wrapf(ErrProcessGone, "pid %d: state %c", pid, st.State)
	}
	uid, err := ReadUID(root, pid)
	if err != nil {
		return Process{}, errors.Wrapf(ErrProcessGone, "pid %d: status: %v", pid, err)
	}
	// A missing cmdline is not fatal: kernel threads have none.
	cmd, _ := ReadCmdline(root, pid)

	return Process{
		PID:       pid,
		PPID:      st.PPID,
		UID:       uid,
		Name:      st.Comm,
		State:     st.State,
		StartTime: ticksToDuration(st.StartTime, hz),
		CPUTime:   ticksToDuration(st.UTime+st.STime, hz),
		Command:   cmd,
	}, nil
}
