//go:build linux

// Package proctest builds fake procfs trees for tests.
package proctest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// Entry describes one fake /proc/<pid> directory.
type Entry struct {
	PID       int
	PPID      int
	UID       uint32
	Comm      string
	State     byte // defaults to 'S'
	UTime     uint64
	STime     uint64
	StartTime uint64
	Args      []string // written NUL separated to cmdline
}

// Tree is a fake procfs root.
type Tree struct {
	t    testing.TB
	Root string
}

// New creates an empty tree under t.TempDir().
func New(t testing.TB) *Tree {
	t.Helper()
	root := t.TempDir()
	// non-pid entries a real /proc always has
	require(t, os.MkdirAll(filepath.Join(root, "sys"), 0o755))
	require(t, os.WriteFile(filepath.Join(root, "uptime"), []byte("100.00 50.00\n"), 0o644))
	return &Tree{t: t, Root: root}
}

// Add writes (or rewrites) the files for e.
func (tr *Tree) Add(e Entry) {
	tr.t.Helper()
	dir := filepath.Join(tr.Root, strconv.Itoa(e.PID))
	require(tr.t, os.MkdirAll(dir, 0o755))

	state := e.State
	if state == 0 {
		state = 'S'
	}
	comm := e.Comm
	if comm == "" && len(e.Args) > 0 {
		comm = filepath.Base(e.Args[0])
	}
	// fields 3..22 of stat; zeros where the limiter does not care
	tail := []string{
		string(state), strconv.Itoa(e.PPID), "0", "0", "0", "0", "0", "0", "0", "0", "0",
		strconv.FormatUint(e.UTime, 10), strconv.FormatUint(e.STime, 10),
		"0", "0", "20", "0", "1", "0", strconv.FormatUint(e.StartTime, 10),
		"1000", "100",
	}
	stat := fmt.Sprintf("%d (%s) %s\n", e.PID, comm, strings.Join(tail, " "))
	require(tr.t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))

	status := fmt.Sprintf("Name:\t%s\nState:\t%c\nPPid:\t%d\nUid:\t%d\t%d\t%d\t%d\n",
		comm, state, e.PPID, e.UID, e.UID, e.UID, e.UID)
	require(tr.t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o644))

	var cmdline []byte
	for _, a := range e.Args {
		cmdline = append(cmdline, a...)
		cmdline = append(cmdline, 0)
	}
	require(tr.t, os.WriteFile(filepath.Join(dir, "cmdline"), cmdline, 0o644))
}

// SetCPU rewrites the cpu counters of an existing entry.
func (tr *Tree) SetCPU(e Entry, utime, stime uint64) Entry {
	tr.t.Helper()
	e.UTime, e.STime = utime, stime
	tr.Add(e)
	return e
}

// Remove deletes the directory of pid, as if the process exited.
func (tr *Tree) Remove(pid int) {
	tr.t.Helper()
	require(tr.t, os.RemoveAll(filepath.Join(tr.Root, strconv.Itoa(pid))))
}

func require(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
