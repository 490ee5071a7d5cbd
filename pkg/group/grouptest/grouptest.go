//go:build linux

// Package grouptest provides in-memory process sources and signalers for
// tests of code built on package group.
package grouptest

import (
	"sync"
	"time"

	"github.com/ja7ad/cpulimit/pkg/system/proc"
	"golang.org/x/sys/unix"
)

// Iterator yields a fixed slice of processes.
type Iterator struct {
	procs  []proc.Process
	err    error
	i      int
	closed bool
}

func (it *Iterator) Next() (proc.Process, bool) {
	if it.closed || it.i >= len(it.procs) {
		return proc.Process{}, false
	}
	p := it.procs[it.i]
	it.i++
	return p, true
}

func (it *Iterator) Err() error {
	if it.i >= len(it.procs) {
		return it.err
	}
	return nil
}

func (it *Iterator) Close() error {
	it.closed = true
	return nil
}

// Source is a mutable process table. Every Open takes a snapshot of it.
type Source struct {
	mu      sync.Mutex
	procs   map[int]proc.Process
	order   []int
	openErr error
	passErr error
	opens   int
	filters []proc.Filter
}

// NewSource returns an empty table.
func NewSource() *Source {
	return &Source{procs: make(map[int]proc.Process)}
}

// Set inserts or replaces p.
func (s *Source) Set(p proc.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[p.PID]; !ok {
		s.order = append(s.order, p.PID)
	}
	s.procs[p.PID] = p
}

// AddCPU advances the cumulative CPU time of pid.
func (s *Source) AddCPU(pid int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[pid]; ok {
		p.CPUTime += d
		s.procs[pid] = p
	}
}

// Remove drops pid, as if it exited.
func (s *Source) Remove(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, pid)
	for i, v := range s.order {
		if v == pid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Has reports whether pid is in the table.
func (s *Source) Has(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[pid]
	return ok
}

// FailOpen makes the following opens fail with err (nil clears it).
func (s *Source) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// FailPass makes following passes end with err after yielding everything.
func (s *Source) FailPass(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passErr = err
}

// Opens returns how many passes were started.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Open implements proc.Opener. The filter is recorded, not applied.
func (s *Source) Open(f proc.Filter) (proc.Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	s.filters = append(s.filters, f)
	if s.openErr != nil {
		return nil, s.openErr
	}
	out := make([]proc.Process, 0, len(s.order))
	for _, pid := range s.order {
		out = append(out, s.procs[pid])
	}
	return &Iterator{procs: out, err: s.passErr}, nil
}

// Clock is a manual clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Call is one recorded signal delivery.
type Call struct {
	PID    int
	Signal unix.Signal
}

// Signaler records deliveries and tracks which pids are stopped.
type Signaler struct {
	mu      sync.Mutex
	calls   []Call
	stopped map[int]bool
	fail    map[int]error
	exists  func(pid int) bool
}

// NewSignaler returns a signaler for which every pid exists unless
// exists says otherwise (nil = always exists).
func NewSignaler(exists func(pid int) bool) *Signaler {
	return &Signaler{stopped: make(map[int]bool), fail: make(map[int]error), exists: exists}
}

// Fail makes deliveries to pid fail with err (nil clears it).
func (s *Signaler) Fail(pid int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, pid)
		return
	}
	s.fail[pid] = err
}

func (s *Signaler) Signal(pid int, sig unix.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[pid]; ok {
		return err
	}
	if s.exists != nil && !s.exists(pid) {
		return unix.ESRCH
	}
	s.calls = append(s.calls, Call{PID: pid, Signal: sig})
	switch sig {
	case unix.SIGSTOP:
		s.stopped[pid] = true
	case unix.SIGCONT:
		delete(s.stopped, pid)
	}
	return nil
}

// Calls returns a copy of the delivered signals.
func (s *Signaler) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many times sig was delivered.
func (s *Signaler) Count(sig unix.Signal) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Signal == sig {
			n++
		}
	}
	return n
}

// Stopped returns the live pids currently left stopped.
func (s *Signaler) Stopped() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for pid := range s.stopped {
		if s.exists != nil && !s.exists(pid) {
			continue
		}
		out = append(out, pid)
	}
	return out
}

// IsStopped reports whether pid was stopped and not continued since.
func (s *Signaler) IsStopped(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped[pid]
}
