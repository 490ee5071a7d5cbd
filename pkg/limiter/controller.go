//go:build linux

package limiter

import (
	"context"
	"sort"
	"time"

	"github.com/ja7ad/cpulimit/pkg/group"
	"github.com/ja7ad/cpulimit/pkg/system/proc"
	"github.com/ja7ad/cpulimit/pkg/system/util"
	"github.com/ja7ad/cpulimit/pkg/usage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Sleeper waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type options struct {
	open  proc.Opener
	alive func(pid int) bool
	sleep Sleeper
	rec   Recorder
	gopts []group.Option
}

// Option configures a Controller.
type Option func(*options)

// WithOpener sets the process source. Default: procfs at /proc without
// exclusion.
func WithOpener(open proc.Opener) Option {
	return func(o *options) { o.open = open }
}

// WithAlive sets the liveness check used once the group is empty.
func WithAlive(alive func(pid int) bool) Option {
	return func(o *options) { o.alive = alive }
}

// WithSleeper replaces Sleep.
func WithSleeper(s Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

// WithRecorder attaches a Recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.rec = r }
}

// WithSignaler replaces the kill(2) signaler of the group.
func WithSignaler(s group.Signaler) Option {
	return func(o *options) { o.gopts = append(o.gopts, group.WithSignaler(s)) }
}

// WithClock replaces the wall clock the group measures usage against.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.gopts = append(o.gopts, group.WithClock(now)) }
}

// Controller runs the duty-cycle loop for one target. It is single-use
// and owned by the goroutine calling Run.
type Controller struct {
	cfg   Config
	group *group.Group
	open  proc.Opener
	alive func(pid int) bool
	sleep Sleeper
	rec   Recorder
	acc   *usage.Accumulator
	ema   *util.EMA

	phase    Phase
	work     time.Duration
	idle     time.Duration
	pauses   int
	evicted  int
	failures int
	// held is every pid this controller stopped and has not resumed yet.
	held map[int]struct{}
}

// New validates cfg, fills unset tunables and returns a controller.
func New(cfg Config, opts ...Option) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{sleep: Sleep, rec: nopRecorder{}}
	for _, fn := range opts {
		fn(&o)
	}
	if o.open == nil {
		o.open = proc.NewFS(proc.DefaultRoot, nil).Opener()
	}
	if o.alive == nil {
		o.alive = func(pid int) bool { return proc.Alive(proc.DefaultRoot, pid) }
	}

	c := &Controller{
		cfg:   cfg,
		group: group.New(cfg.Filter(), o.gopts...),
		open:  o.open,
		alive: o.alive,
		sleep: o.sleep,
		rec:   o.rec,
		acc: usage.New(&usage.Config{
			Period: cfg.Period,
			Cores:  cfg.Cores,
			Limit:  float64(cfg.Limit),
		}),
		ema:  util.NewEMA(cfg.Smoothing),
		held: make(map[int]struct{}),
	}
	c.work = initialWork(cfg)
	c.idle = cfg.Period - c.work
	if c.idle > 0 {
		c.phase = Throttled
	}
	return c, nil
}

// Config returns the effective config.
func (c *Controller) Config() Config { return c.cfg }

// Group exposes the tracked process group.
func (c *Controller) Group() *group.Group { return c.group }

// Phase returns the phase chosen for the current period.
func (c *Controller) Phase() Phase { return c.phase }

// Summary describes a finished run.
//   - Periods: measured periods
//   - Throttled: periods whose split stopped the group for part of the period
//   - Pauses: SIGSTOP rounds actually sent
type Summary struct {
	Reason         Reason
	Periods        int
	Throttled      int
	Pauses         int
	Evictions      int
	SignalFailures int
	PeakMembers    int
	PeakUsage      float64
	CPUTime        time.Duration
	Elapsed        time.Duration
	// Overall is CPUTime/Elapsed over the measured periods.
	Overall  float64
	Averages usage.Result
}

// Run limits the target until it exits or ctx is cancelled.
//
// It returns a nil error when the target exits or ctx is cancelled and
// every member was resumed. Startup failures wrap proc.ErrSourceUnavailable
// or ErrTargetNotFound. Losing the process source mid-run resumes the last
// known members first. ErrAbnormalShutdown means a live member could not
// be resumed.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	log := zerolog.Ctx(ctx).With().Int("target", c.cfg.Target).Logger()
	ctx = log.WithContext(ctx)

	rep, err := c.group.Refresh(c.open)
	if err != nil {
		return c.summary(ReasonSourceLost), sourceErr(err)
	}
	if rep.Members == 0 {
		return c.summary(ReasonNotFound), errors.Wrapf(ErrTargetNotFound, "pid %d", c.cfg.Target)
	}
	log.Info().
		Str("limit", c.cfg.Limit.String()).
		Dur("period", c.cfg.Period).
		Int("cores", c.cfg.Cores).
		Int("members", rep.Members).
		Bool("children", c.cfg.IncludeChildren).
		Msg("limiting")

	for {
		if err := ctx.Err(); err != nil {
			return c.shutdown(ctx)
		}
		if err := c.enforce(ctx); err != nil {
			return c.shutdown(ctx)
		}

		rep, err := c.group.Refresh(c.open)
		if err != nil {
			res := c.group.ResumeAll()
			c.observe(ctx, res)
			log.Error().Err(err).Int("resumed", res.Sent).Msg("process source lost")
			return c.summary(ReasonSourceLost), sourceErr(err)
		}
		c.evicted += len(rep.Evicted)
		if len(rep.Evicted) > 0 || len(rep.Added) > 0 || rep.Skipped > 0 {
			log.Debug().
				Ints("added", rep.Added).
				Ints("evicted", rep.Evicted).
				Int("skipped", rep.Skipped).
				Int("members", rep.Members).
				Msg("membership")
		}

		if rep.Members == 0 {
			if !c.alive(c.cfg.Target) {
				log.Info().Msg("target exited")
				return c.summary(ReasonTargetExited), nil
			}
			// target still there but filtered out; keep polling and
			// forget the usage history of the old membership
			c.ema.Reset()
			continue
		}
		c.step(ctx, rep)
	}
}

// step applies the control law to the usage measured by the last refresh.
func (c *Controller) step(ctx context.Context, rep group.Report) {
	actual := c.group.AggregateUsage()
	smoothed := c.ema.Next(actual)

	work, idle := NextSplit(c.work, c.cfg.Period, c.cfg.MinQuantum, c.cfg.Gain,
		c.cfg.Limit, smoothed, c.cfg.Cores)

	prev := c.phase
	c.phase = Running
	if idle > 0 {
		c.phase = Throttled
	}
	if prev != c.phase {
		zerolog.Ctx(ctx).Debug().
			Stringer("from", prev).
			Stringer("to", c.phase).
			Float64("usage", actual).
			Msg("phase")
	}
	c.work, c.idle = work, idle

	c.acc.Apply(usage.Sample{
		Elapsed:   rep.Elapsed,
		Usage:     actual,
		Work:      work,
		Members:   rep.Members,
		Throttled: c.phase == Throttled,
	})
	c.rec.ObservePeriod(PeriodStats{
		Period:   c.acc.Count(),
		Phase:    c.phase,
		Usage:    actual,
		Smoothed: smoothed,
		Limit:    float64(c.cfg.Limit),
		Work:     work,
		Sleep:    idle,
		Members:  rep.Members,
		Added:    len(rep.Added),
		Evicted:  len(rep.Evicted),
	})
}

// enforce runs one period with the current split. An error means ctx was
// cancelled; members may still be stopped and the caller must resume them.
func (c *Controller) enforce(ctx context.Context) error {
	if c.phase == Running || c.group.Len() == 0 {
		return c.sleep(ctx, c.cfg.Period)
	}

	if err := c.sleep(ctx, c.work); err != nil {
		return err
	}
	if c.group.Len() == 0 {
		return nil
	}
	c.observe(ctx, c.group.PauseAll())
	c.pauses++
	if c.group.Len() == 0 {
		return nil
	}
	if err := c.sleep(ctx, c.idle); err != nil {
		return err
	}
	c.observe(ctx, c.group.ResumeAll())
	return nil
}

func (c *Controller) observe(ctx context.Context, rep group.SignalReport) {
	c.rec.ObserveSignals(rep)
	for _, pid := range rep.Delivered {
		if rep.Signal == unix.SIGSTOP {
			c.held[pid] = struct{}{}
		} else {
			delete(c.held, pid)
		}
	}
	if len(rep.Failed) == 0 {
		return
	}
	c.failures += len(rep.Failed)
	c.evicted += len(rep.Failed)
	log := zerolog.Ctx(ctx)
	for _, f := range rep.Failed {
		if f.Gone() {
			delete(c.held, f.PID)
		}
		ev := log.Debug()
		if _, stuck := c.held[f.PID]; stuck && rep.Signal == unix.SIGCONT {
			ev = log.Warn()
		}
		ev.Err(f.Err).Int("pid", f.PID).Stringer("signal", rep.Signal).Msg("signal failed, member evicted")
	}
}

// shutdown resumes every member. A process this controller stopped that
// is still alive afterwards makes the shutdown abnormal.
func (c *Controller) shutdown(ctx context.Context) (Summary, error) {
	log := zerolog.Ctx(ctx)
	res := c.group.ResumeAll()
	c.observe(ctx, res)

	var stuck []int
	for pid := range c.held {
		if c.alive(pid) {
			stuck = append(stuck, pid)
		}
	}
	if len(stuck) == 0 {
		log.Info().Int("resumed", res.Sent).Msg("cancelled")
		return c.summary(ReasonCancelled), nil
	}
	sort.Ints(stuck)
	log.Error().Ints("pids", stuck).Msg("members left stopped")
	return c.summary(ReasonAbnormal), errors.Wrapf(ErrAbnormalShutdown, "pids %v", stuck)
}

func (c *Controller) summary(reason Reason) Summary {
	return Summary{
		Reason:         reason,
		Periods:        c.acc.Count(),
		Throttled:      c.acc.Throttled(),
		Pauses:         c.pauses,
		Evictions:      c.evicted,
		SignalFailures: c.failures,
		PeakMembers:    c.acc.PeakMembers(),
		PeakUsage:      c.acc.Peak(),
		CPUTime:        c.acc.CPUTime(),
		Elapsed:        c.acc.WallTime(),
		Overall:        c.acc.Overall(),
		Averages:       c.acc.Averages(),
	}
}

func sourceErr(err error) error {
	if errors.Is(err, proc.ErrSourceUnavailable) {
		return errors.Wrap(err, "refresh")
	}
	return errors.Wrapf(proc.ErrSourceUnavailable, "refresh: %v", err)
}
