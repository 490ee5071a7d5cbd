//go:build linux

package main

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/ja7ad/cpulimit/pkg/limiter"
	"github.com/ja7ad/cpulimit/pkg/system/cgroup"
	"github.com/ja7ad/cpulimit/pkg/system/proc"
	"github.com/ja7ad/cpulimit/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type mode int

const (
	byPID mode = iota + 1
	byName
	byCommand
)

// selectMode requires exactly one of --pid, --exe or a command.
func selectMode(o opts, args []string) (mode, error) {
	var (
		m mode
		n int
	)
	if o.pid != 0 {
		m, n = byPID, n+1
	}
	if o.exe != "" {
		m, n = byName, n+1
	}
	if len(args) > 0 {
		m, n = byCommand, n+1
	}
	switch {
	case n == 0:
		return 0, errors.Wrap(limiter.ErrInvalidConfig, "one of --pid, --exe or a command is required")
	case n > 1:
		return 0, errors.Wrap(limiter.ErrInvalidConfig, "--pid, --exe and a command are mutually exclusive")
	case m == byPID && o.pid < 0:
		return 0, errors.Wrapf(limiter.ErrInvalidConfig, "pid %d", o.pid)
	}
	return m, nil
}

func resolveTarget(ctx context.Context, fs *proc.FS, m mode, o opts, args []string) (int, *child, error) {
	self := os.Getpid()
	log := zerolog.Ctx(ctx)

	switch m {
	case byPID:
		if o.pid == self {
			return 0, nil, errors.Wrap(limiter.ErrInvalidConfig, "refusing to limit cpulimit itself")
		}
		if !proc.Exists(fs.Root, o.pid) {
			return 0, nil, errors.Wrapf(limiter.ErrTargetNotFound, "pid %d", o.pid)
		}
		return o.pid, nil, nil
	case byName:
		p, err := proc.FindByName(fs, o.exe, self)
		if err != nil {
			return 0, nil, err
		}
		log.Info().Int("pid", p.PID).Str("command", p.Command).Msgf("found %s", o.exe)
		return p.PID, nil, nil
	default:
		c, err := launch(args)
		if err != nil {
			return 0, nil, err
		}
		log.Info().Int("pid", c.pid).Strs("argv", args).Msg("launched")
		return c.pid, c, nil
	}
}

// child is a command started by cpulimit. It is reaped in the background
// so its /proc entry disappears as soon as it exits.
type child struct {
	pid  int
	done chan error
	// grace is how long settle waits for the exit status.
	grace time.Duration
}

func launch(args []string) (*child, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(limiter.ErrTargetNotFound, "start %s: %v", args[0], err)
	}
	c := &child{pid: cmd.Process.Pid, done: make(chan error, 1), grace: 100 * time.Millisecond}
	go func() {
		c.done <- cmd.Wait()
	}()
	return c, nil
}

// settle logs the exit status of the child once the controller returned.
// A child that ran and exited before the first refresh is a normal exit,
// not a missing target.
func (c *child) settle(ctx context.Context, sum limiter.Summary, err error) (limiter.Summary, error) {
	log := zerolog.Ctx(ctx)
	var status error
	select {
	case status = <-c.done:
	case <-time.After(c.grace):
		log.Info().Int("pid", c.pid).Msg("command still running")
		return sum, err
	}

	var exitErr *exec.ExitError
	switch {
	case status == nil:
		log.Info().Int("pid", c.pid).Msg("command finished")
	case errors.As(status, &exitErr):
		log.Info().Int("pid", c.pid).Int("status", exitErr.ExitCode()).Msg("command finished")
	default:
		log.Warn().Err(status).Int("pid", c.pid).Msg("command wait")
	}
	if errors.Is(err, limiter.ErrTargetNotFound) {
		sum.Reason = limiter.ReasonTargetExited
		return sum, nil
	}
	return sum, err
}

// coresFor returns how many CPUs the target can use. A cgroup CPU quota
// narrower than the online CPUs lowers the count, unless the limit would
// no longer fit in it.
func coresFor(ctx context.Context, target int, limit types.Limit, online int) int {
	log := zerolog.Ctx(ctx)
	mounts, err := cgroup.Detect(proc.DefaultRoot)
	if err != nil {
		log.Debug().Err(err).Msg("cgroup detection")
		return online
	}
	log.Debug().Stringer("cgroups", mounts).Msg("cgroup layout")

	q, err := cgroup.ProcessQuota(proc.DefaultRoot, mounts, target)
	if err != nil {
		log.Debug().Err(err).Int("pid", target).Msg("cgroup quota")
		return online
	}
	if q <= 0 {
		return online
	}
	cores := q.Cores(online)
	log.Info().Float64("quota", float64(q)).Int("cores", cores).Msg("target has a cgroup cpu quota")
	if float64(limit) > float64(cores) {
		return online
	}
	return cores
}
