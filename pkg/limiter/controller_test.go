//go:build linux

package limiter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ja7ad/cpulimit/pkg/group"
	"github.com/ja7ad/cpulimit/pkg/group/grouptest"
	"github.com/ja7ad/cpulimit/pkg/system/proc"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// sim is a process table whose members burn CPU at a fixed rate while
// they are not stopped. Time only moves when the controller sleeps.
type sim struct {
	t      *testing.T
	src    *grouptest.Source
	clk    *grouptest.Clock
	sig    *grouptest.Signaler
	demand map[int]float64
	sleeps int
	slept  []time.Duration
	hook   func(n int)
}

func newSim(t *testing.T) *sim {
	src := grouptest.NewSource()
	return &sim{
		t:      t,
		src:    src,
		clk:    grouptest.NewClock(),
		sig:    grouptest.NewSignaler(src.Has),
		demand: make(map[int]float64),
	}
}

// spawn adds a process that uses demand CPUs whenever it runs.
func (s *sim) spawn(pid, ppid int, demand float64) {
	s.src.Set(proc.Process{PID: pid, PPID: ppid, StartTime: time.Duration(pid) * time.Second})
	s.demand[pid] = demand
}

func (s *sim) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for pid, dem := range s.demand {
		if s.src.Has(pid) && !s.sig.IsStopped(pid) {
			s.src.AddCPU(pid, time.Duration(dem*float64(d)))
		}
	}
	s.clk.Advance(d)
	s.sleeps++
	s.slept = append(s.slept, d)
	if s.sleeps > 10000 {
		s.t.Fatal("controller did not stop")
	}
	if s.hook != nil {
		s.hook(s.sleeps)
	}
	return ctx.Err()
}

func (s *sim) controller(cfg Config, opts ...Option) *Controller {
	s.t.Helper()
	base := []Option{
		WithOpener(s.src.Open),
		WithAlive(s.src.Has),
		WithSignaler(s.sig),
		WithClock(s.clk.Now),
		WithSleeper(s.Sleep),
	}
	c, err := New(cfg, append(base, opts...)...)
	require.NoError(s.t, err)
	return c
}

type recorder struct {
	periods []PeriodStats
	signals []group.SignalReport
}

func (r *recorder) ObservePeriod(p PeriodStats)         { r.periods = append(r.periods, p) }
func (r *recorder) ObserveSignals(s group.SignalReport) { r.signals = append(r.signals, s) }

func TestRun_ConvergesToLimit(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 2.0)
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.hook = func(int) {
		if len(rec.periods) >= 40 {
			cancel()
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0.5, Cores: 4}, WithRecorder(rec))
	sum, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, sum.Reason)
	assert.Empty(t, s.sig.Stopped())
	assert.Equal(t, ExitOK, ExitCode(err))

	require.GreaterOrEqual(t, len(rec.periods), 40)
	for _, p := range rec.periods[len(rec.periods)-10:] {
		assert.InDelta(t, 0.5, p.Usage, 0.02)
		assert.Equal(t, Throttled, p.Phase)
		assert.Equal(t, c.Config().Period, p.Work+p.Sleep)
	}
	assert.InDelta(t, 0.5, sum.Overall, 0.05)
	assert.Equal(t, len(rec.periods), sum.Periods)
	assert.Positive(t, sum.Pauses)
	assert.Equal(t, sum.Periods, sum.Throttled)
	assert.Equal(t, 1, sum.PeakMembers)
	assert.GreaterOrEqual(t, sum.PeakUsage, 0.5)
	assert.Equal(t, time.Duration(sum.Periods)*c.Config().Period, sum.Elapsed)
}

func TestRun_ConvergesWithManyBusyChildren(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 0)
	for pid := 11; pid <= 18; pid++ {
		s.spawn(pid, 10, 1.0)
	}
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.hook = func(int) {
		if len(rec.periods) >= 40 {
			cancel()
		}
	}

	c := s.controller(Config{Target: 10, Limit: 1.5, Cores: 16, IncludeChildren: true}, WithRecorder(rec))
	sum, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.sig.Stopped())

	require.GreaterOrEqual(t, len(rec.periods), 40)
	for _, p := range rec.periods[len(rec.periods)-10:] {
		assert.InDelta(t, 1.5, p.Usage, 0.03)
		assert.InDelta(t, float64(c.Config().Period)*1.5/8, float64(p.Work), float64(time.Millisecond))
		assert.Greater(t, p.Work, DefaultMinQuantum, "no swing down to the min quantum")
		assert.Less(t, p.Work, c.Config().Period, "no swing up to a full run")
	}
	assert.Equal(t, 9, sum.PeakMembers)
}

func TestRun_LimitZeroKeepsMinQuantum(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 1.0)
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.hook = func(int) {
		if len(rec.periods) >= 20 {
			cancel()
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0, Cores: 4}, WithRecorder(rec))
	_, err := c.Run(ctx)
	require.NoError(t, err)

	last := rec.periods[len(rec.periods)-1]
	assert.Equal(t, DefaultMinQuantum, last.Work)
	for _, p := range rec.periods {
		assert.GreaterOrEqual(t, p.Work, DefaultMinQuantum)
	}
	assert.Empty(t, s.sig.Stopped())
}

func TestRun_UnconstrainedNeverPauses(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 2.0)
	s.spawn(11, 10, 3.0)
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.hook = func(int) {
		if len(rec.periods) >= 20 {
			cancel()
		}
	}

	c := s.controller(Config{Target: 10, Limit: 2, Cores: 2, IncludeChildren: true}, WithRecorder(rec))
	sum, err := c.Run(ctx)
	require.NoError(t, err)

	assert.Zero(t, s.sig.Count(unix.SIGSTOP))
	assert.Zero(t, sum.Pauses)
	for _, p := range rec.periods {
		assert.Equal(t, Running, p.Phase)
		assert.Zero(t, p.Sleep)
	}
	for _, d := range s.slept {
		assert.Equal(t, c.Config().Period, d)
	}
}

func TestRun_TargetExitEndsCleanly(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 0.8)
	s.hook = func(n int) {
		if n == 7 {
			s.src.Remove(10)
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0.3, Cores: 4})
	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonTargetExited, sum.Reason)
	assert.Empty(t, s.sig.Stopped())
	assert.Zero(t, c.Group().Len())
}

func TestRun_TargetNotFound(t *testing.T) {
	s := newSim(t)
	c := s.controller(Config{Target: 10, Limit: 0.5})
	sum, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrTargetNotFound)
	assert.Equal(t, ReasonNotFound, sum.Reason)
	assert.Equal(t, ExitTargetNotFound, ExitCode(err))
	assert.Zero(t, s.sleeps)
	assert.Empty(t, s.sig.Calls())
}

func TestRun_SourceUnavailableAtStart(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 1)
	s.src.FailOpen(errors.New("input/output error"))

	c := s.controller(Config{Target: 10, Limit: 0.5})
	sum, err := c.Run(context.Background())
	require.ErrorIs(t, err, proc.ErrSourceUnavailable)
	assert.Equal(t, ReasonSourceLost, sum.Reason)
	assert.Equal(t, ExitSourceUnavailable, ExitCode(err))
	assert.Zero(t, s.sleeps)
}

func TestRun_SourceLostMidRunResumesFirst(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 1)
	s.spawn(11, 10, 1)
	s.hook = func(n int) {
		if n > 6 && s.sig.IsStopped(10) {
			s.src.FailPass(proc.ErrSourceUnavailable)
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0.2, Cores: 4, IncludeChildren: true})
	sum, err := c.Run(context.Background())
	require.ErrorIs(t, err, proc.ErrSourceUnavailable)
	assert.Equal(t, ReasonSourceLost, sum.Reason)
	assert.Equal(t, ExitSourceUnavailable, ExitCode(err))
	assert.Empty(t, s.sig.Stopped())

	calls := s.sig.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, unix.SIGCONT, calls[len(calls)-1].Signal)
	assert.Equal(t, unix.SIGCONT, calls[len(calls)-2].Signal)
}

func TestRun_CancelWhilePausedResumes(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 1)
	s.spawn(11, 10, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.hook = func(n int) {
		if n > 4 && s.sig.IsStopped(10) {
			require.ElementsMatch(t, []int{10, 11}, s.sig.Stopped())
			cancel()
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0.2, Cores: 4, IncludeChildren: true})
	sum, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, sum.Reason)
	assert.Empty(t, s.sig.Stopped())

	calls := s.sig.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, grouptest.Call{PID: 10, Signal: unix.SIGCONT}, calls[len(calls)-2])
	assert.Equal(t, grouptest.Call{PID: 11, Signal: unix.SIGCONT}, calls[len(calls)-1])
}

func TestRun_AbnormalShutdown(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.hook = func(n int) {
		if n > 4 && s.sig.IsStopped(10) {
			s.sig.Fail(10, unix.EPERM)
			cancel()
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0.2, Cores: 4})
	sum, err := c.Run(ctx)
	require.ErrorIs(t, err, ErrAbnormalShutdown)
	assert.Equal(t, ReasonAbnormal, sum.Reason)
	assert.Equal(t, ExitAbnormalShutdown, ExitCode(err))
	assert.Equal(t, []int{10}, s.sig.Stopped())
}

func TestRun_GoneMemberOnShutdownIsNotAbnormal(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 1)
	s.spawn(11, 10, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.hook = func(n int) {
		if n > 4 && s.sig.IsStopped(11) {
			s.src.Remove(11)
			cancel()
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0.2, Cores: 4, IncludeChildren: true})
	_, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.sig.Stopped())
}

func TestRun_SignalFailureEvictsOnlyThatMember(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 1)
	s.spawn(11, 10, 1)
	s.sig.Fail(11, unix.EPERM)
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.hook = func(int) {
		if len(rec.periods) >= 10 {
			cancel()
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0.2, Cores: 4, IncludeChildren: true}, WithRecorder(rec))
	sum, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, sum.Reason)
	assert.Positive(t, sum.SignalFailures)
	assert.Positive(t, sum.Evictions)
	assert.Positive(t, s.sig.Count(unix.SIGSTOP))
	for _, call := range s.sig.Calls() {
		assert.Equal(t, 10, call.PID)
	}
	assert.Empty(t, s.sig.Stopped())

	var denied int
	for _, r := range rec.signals {
		denied += len(r.Denied())
	}
	assert.Equal(t, sum.SignalFailures, denied)
}

func TestRun_ForkedChildPausedWithinOnePeriod(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 1)
	rec := &recorder{}

	forkAt := -1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.hook = func(n int) {
		if forkAt < 0 && n > 6 && s.sig.IsStopped(10) {
			forkAt = len(s.sig.Calls())
			s.spawn(11, 10, 1)
		}
		if forkAt >= 0 && len(rec.periods) >= 12 {
			cancel()
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0.2, Cores: 4, IncludeChildren: true}, WithRecorder(rec))
	_, err := c.Run(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, forkAt, 0)

	calls := s.sig.Calls()[forkAt:]
	childStop := -1
	for i, call := range calls {
		if call == (grouptest.Call{PID: 11, Signal: unix.SIGSTOP}) {
			childStop = i
			break
		}
	}
	require.GreaterOrEqual(t, childStop, 0, "child never paused")

	var parentStops int
	for _, call := range calls[:childStop] {
		if call == (grouptest.Call{PID: 10, Signal: unix.SIGSTOP}) {
			parentStops++
		}
	}
	assert.Equal(t, 1, parentStops, "child paused by the first pause after its discovery")
	assert.Empty(t, s.sig.Stopped())
}

func TestRun_EmptyButAliveKeepsPolling(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 1)
	removedAt := 0
	s.hook = func(n int) {
		if n == 3 {
			s.src.Remove(10)
			removedAt = len(s.slept)
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0.2, Cores: 4},
		WithAlive(func(int) bool { return s.sleeps < 9 }))
	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonTargetExited, sum.Reason)
	assert.GreaterOrEqual(t, s.sleeps, 9)
	for _, d := range s.slept[removedAt:] {
		assert.Equal(t, c.Config().Period, d, "an empty group waits a full period")
	}
}

func TestRun_EmptyGroupResetsSmoothing(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 1)
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.hook = func(n int) {
		switch {
		case n == 8:
			s.src.Remove(10)
		case n == 12:
			s.spawn(11, 1, 1)
		case n > 20:
			cancel()
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0.2, Cores: 4, Smoothing: 0.5},
		WithRecorder(rec), WithAlive(func(int) bool { return true }))
	_, err := c.Run(ctx)
	require.NoError(t, err)

	var back *PeriodStats
	for i := range rec.periods {
		if i > 0 && rec.periods[i].Added > 0 {
			back = &rec.periods[i]
			break
		}
	}
	require.NotNil(t, back, "group never refilled")
	assert.Equal(t, back.Usage, back.Smoothed, "no history carried over the gap")
	assert.Empty(t, s.sig.Stopped())
}

func TestRun_SmoothingFeedsControlLaw(t *testing.T) {
	s := newSim(t)
	s.spawn(10, 1, 2)
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.hook = func(int) {
		if len(rec.periods) >= 15 {
			cancel()
		}
	}

	c := s.controller(Config{Target: 10, Limit: 0.5, Cores: 4, Smoothing: 0.5}, WithRecorder(rec))
	_, err := c.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, rec.periods[0].Usage, rec.periods[0].Smoothed)
	var differs bool
	for _, p := range rec.periods[1:] {
		if p.Usage != p.Smoothed {
			differs = true
		}
	}
	assert.True(t, differs)
	assert.Empty(t, s.sig.Stopped())
}

func TestNew_InvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"no_target", Config{Limit: 0.5}},
		{"negative_limit", Config{Target: 1, Limit: -0.1}},
		{"limit_over_cores", Config{Target: 1, Limit: 5, Cores: 4}},
		{"gain_too_high", Config{Target: 1, Limit: 0.5, Gain: 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, ExitUsage, ExitCode(err))
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{Target: 1, Limit: 0.5, MinQuantum: time.Second, Smoothing: 3})
	require.NoError(t, err)
	cfg := c.Config()
	assert.Equal(t, DefaultPeriod, cfg.Period)
	assert.Equal(t, DefaultPeriod, cfg.MinQuantum, "capped to the period")
	assert.Equal(t, DefaultGain, cfg.Gain)
	assert.Zero(t, cfg.Smoothing)
	assert.Positive(t, cfg.Cores)
	assert.Equal(t, Throttled, c.Phase())
	assert.Equal(t, proc.Filter{PID: 1}, cfg.Filter())
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
	require.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_Self(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no procfs")
	}
	// unconstrained, so the test process is never stopped
	c, err := New(Config{Target: os.Getpid(), Limit: 1, Cores: 1, Period: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	sum, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, sum.Reason)
	assert.Positive(t, sum.Periods)
	assert.Zero(t, sum.Pauses)
}
