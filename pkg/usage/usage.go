//go:build linux

// Package usage accumulates per-period CPU usage and duty cycle of a
// limited process group and reports averages for the exit summary.
package usage

import (
	"time"

	"github.com/ja7ad/cpulimit/pkg/system/util"
)

// Accumulator keeps running totals and averages.
type Accumulator struct {
	cfg       *Config
	cpuCum    time.Duration
	wallCum   time.Duration
	count     int
	throttled int
	peak      float64
	members   int
	sumUse    float64
	sumLoad   float64
	sumDuty   float64
	sumOver   float64
}

// New creates an accumulator with the given config.
// Fields > 0 in cfg override defaults; Limit is taken verbatim when >= 0.
func New(cfg *Config) *Accumulator {
	base := _defaultConfig()
	if cfg == nil {
		return &Accumulator{cfg: base}
	}

	merged := *base
	if cfg.Period > 0 {
		merged.Period = cfg.Period
	}
	if cfg.Cores > 0 {
		merged.Cores = cfg.Cores
	}
	if cfg.Limit >= 0 {
		merged.Limit = cfg.Limit
	}
	if merged.Cores < 1 {
		merged.Cores = 1
	}
	return &Accumulator{cfg: &merged}
}

// Config returns the effective config.
func (a *Accumulator) Config() Config { return *a.cfg }

// Apply folds one period in and returns its derived values.
//
// CPU time is accumulated as:
//
//	CPU_cum += Usage * Elapsed
func (a *Accumulator) Apply(s Sample) Result {
	use := util.NonNeg(s.Usage)
	res := Result{
		Usage: use,
		Load:  util.Clamp(use/float64(a.cfg.Cores), 0, 1),
		Duty:  util.Clamp(util.SafeDiv(float64(s.Work), float64(a.cfg.Period)), 0, 1),
	}
	if a.cfg.Limit > 0 {
		res.Over = util.NonNeg(use - a.cfg.Limit)
	}
	if s.Elapsed > 0 {
		res.CPU = time.Duration(use * float64(s.Elapsed))
		a.wallCum += s.Elapsed
	}

	a.cpuCum += res.CPU
	a.count++
	a.sumUse += res.Usage
	a.sumLoad += res.Load
	a.sumDuty += res.Duty
	a.sumOver += res.Over
	if s.Throttled {
		a.throttled++
	}
	if use > a.peak {
		a.peak = use
	}
	if s.Members > a.members {
		a.members = s.Members
	}
	return res
}

// CPUTime returns the CPU time consumed over all applied samples.
func (a *Accumulator) CPUTime() time.Duration { return a.cpuCum }

// WallTime returns the wall time covered by all applied samples.
func (a *Accumulator) WallTime() time.Duration { return a.wallCum }

// Count returns the number of applied samples.
func (a *Accumulator) Count() int { return a.count }

// Throttled returns how many samples decided to throttle the next period.
func (a *Accumulator) Throttled() int { return a.throttled }

// Peak returns the highest usage seen.
func (a *Accumulator) Peak() float64 { return a.peak }

// PeakMembers returns the largest group size seen.
func (a *Accumulator) PeakMembers() int { return a.members }

// Averages returns per-sample means over all applied samples.
func (a *Accumulator) Averages() Result {
	if a.count == 0 {
		return Result{}
	}
	n := float64(a.count)
	return Result{
		Usage: a.sumUse / n,
		Load:  a.sumLoad / n,
		Duty:  a.sumDuty / n,
		Over:  a.sumOver / n,
		CPU:   a.cpuCum / time.Duration(a.count),
	}
}

// Overall returns CPU time over wall time for the whole run. Unlike the
// mean of Averages it weights each sample by its duration.
func (a *Accumulator) Overall() float64 {
	return util.SafeDiv(float64(a.cpuCum), float64(a.wallCum))
}
