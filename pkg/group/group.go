//go:build linux

package group

import (
	"container/list"
	"time"

	"github.com/ja7ad/cpulimit/pkg/system/proc"
	"github.com/ja7ad/cpulimit/pkg/system/util"
	"golang.org/x/sys/unix"
)

// Group tracks a target process and, optionally, its live descendants.
// Members are kept in a map for O(1) lookup plus an insertion-ordered
// list so that pause and resume walk them in the same order.
//
// A Group is owned by a single goroutine.
type Group struct {
	filter  proc.Filter
	members map[int]*list.Element // value: *proc.Process
	order   *list.List
	last    time.Time

	now func() time.Time
	sig Signaler
}

// Option configures a Group.
type Option func(*Group)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Group) { g.now = now }
}

// WithSignaler replaces the kill(2) signaler.
func WithSignaler(s Signaler) Option {
	return func(g *Group) { g.sig = s }
}

// New returns an empty group for filter.
func New(filter proc.Filter, opts ...Option) *Group {
	g := &Group{
		filter:  filter,
		members: make(map[int]*list.Element),
		order:   list.New(),
		now:     time.Now,
		sig:     KillSignaler{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Report describes what one Refresh changed.
type Report struct {
	Added   []int
	Evicted []int
	Members int
	// Skipped counts candidates that vanished while being read.
	Skipped int
	// Elapsed is the wall time since the previous refresh (0 on the first).
	Elapsed time.Duration
}

// skipCounter is implemented by iterators that count raced candidates.
type skipCounter interface {
	Skipped() int
}

// Target returns the pid the group was created for.
func (g *Group) Target() int { return g.filter.PID }

// Filter returns the iteration filter used on every refresh.
func (g *Group) Filter() proc.Filter { return g.filter }

// Len returns the number of members.
func (g *Group) Len() int { return len(g.members) }

// LastRefresh returns when the membership was last reconciled.
func (g *Group) LastRefresh() time.Time { return g.last }

// Get looks a member up by pid.
func (g *Group) Get(pid int) (proc.Process, bool) {
	e, ok := g.members[pid]
	if !ok {
		return proc.Process{}, false
	}
	return *e.Value.(*proc.Process), true
}

// Members returns a copy of the members in insertion order.
func (g *Group) Members() []proc.Process {
	out := make([]proc.Process, 0, len(g.members))
	for e := g.order.Front(); e != nil; e = e.Next() {
		out = append(out, *e.Value.(*proc.Process))
	}
	return out
}

// PIDs returns member pids in insertion order.
func (g *Group) PIDs() []int {
	out := make([]int, 0, len(g.members))
	for e := g.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*proc.Process).PID)
	}
	return out
}

// Refresh runs one iteration pass and reconciles membership with it:
// new pids are inserted with no usage, known pids get their usage from
// the CPU time delta, and pids missing from the pass are evicted.
// If the pass fails the membership is left as it was.
func (g *Group) Refresh(open proc.Opener) (Report, error) {
	it, err := open(g.filter)
	if err != nil {
		return Report{}, err
	}
	defer it.Close()

	var batch []proc.Process
	for p, ok := it.Next(); ok; p, ok = it.Next() {
		batch = append(batch, p)
	}
	if err := it.Err(); err != nil {
		return Report{}, err
	}

	now := g.now()
	var rep Report
	if sc, ok := it.(skipCounter); ok {
		rep.Skipped = sc.Skipped()
	}
	if !g.last.IsZero() {
		rep.Elapsed = now.Sub(g.last)
	}

	seen := make(map[int]struct{}, len(batch))
	for _, p := range batch {
		if _, dup := seen[p.PID]; dup {
			continue
		}
		seen[p.PID] = struct{}{}

		e, ok := g.members[p.PID]
		if ok && e.Value.(*proc.Process).StartTime != p.StartTime {
			// same pid, different process
			g.remove(p.PID)
			rep.Evicted = append(rep.Evicted, p.PID)
			ok = false
		}
		if !ok {
			p.Usage = 0
			g.insert(p)
			rep.Added = append(rep.Added, p.PID)
			continue
		}

		old := e.Value.(*proc.Process)
		p.Usage = usage(old.CPUTime, p.CPUTime, rep.Elapsed)
		*old = p
	}

	for e := g.order.Front(); e != nil; {
		next := e.Next()
		pid := e.Value.(*proc.Process).PID
		if _, ok := seen[pid]; !ok {
			g.remove(pid)
			rep.Evicted = append(rep.Evicted, pid)
		}
		e = next
	}

	g.last = now
	rep.Members = len(g.members)
	return rep, nil
}

// usage is Δcpu/Δwall, never negative.
func usage(prev, cur, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return util.NonNeg(util.SafeDiv(float64(cur-prev), float64(elapsed)))
}

// AggregateUsage sums the usage of every member. It can exceed 1 when
// several cores are busy.
func (g *Group) AggregateUsage() float64 {
	var sum float64
	for e := g.order.Front(); e != nil; e = e.Next() {
		sum += e.Value.(*proc.Process).Usage
	}
	return sum
}

// Evict drops pid from the group. It reports whether pid was a member.
func (g *Group) Evict(pid int) bool {
	if _, ok := g.members[pid]; !ok {
		return false
	}
	g.remove(pid)
	return true
}

// PauseAll sends SIGSTOP to every member in insertion order.
func (g *Group) PauseAll() SignalReport {
	return g.signalAll(unix.SIGSTOP)
}

// ResumeAll sends SIGCONT to every member in insertion order.
func (g *Group) ResumeAll() SignalReport {
	return g.signalAll(unix.SIGCONT)
}

// signalAll never stops at a failure. Members that could not be signalled
// are evicted once the walk is over; the next refresh brings them back if
// they still exist.
func (g *Group) signalAll(sig unix.Signal) SignalReport {
	rep := SignalReport{Signal: sig}
	for e := g.order.Front(); e != nil; e = e.Next() {
		pid := e.Value.(*proc.Process).PID
		if err := g.sig.Signal(pid, sig); err != nil {
			rep.Failed = append(rep.Failed, &SignalError{PID: pid, Signal: sig, Err: err})
			continue
		}
		rep.Sent++
		rep.Delivered = append(rep.Delivered, pid)
	}
	for _, f := range rep.Failed {
		g.remove(f.PID)
	}
	return rep
}

func (g *Group) insert(p proc.Process) {
	np := p
	g.members[p.PID] = g.order.PushBack(&np)
}

func (g *Group) remove(pid int) {
	if e, ok := g.members[pid]; ok {
		g.order.Remove(e)
		delete(g.members, pid)
	}
}
