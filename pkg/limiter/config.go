//go:build linux

package limiter

import (
	"runtime"
	"time"

	"github.com/ja7ad/cpulimit/pkg/system/proc"
	"github.com/ja7ad/cpulimit/pkg/types"
	"github.com/pkg/errors"
)

// Config holds the controller inputs.
//   - Target: pid of the process to limit
//   - Limit: CPU budget, may exceed one core
//   - Period: sampling period T
//   - MinQuantum: smallest run slice granted per period, keeps the target alive at limit 0
//   - Gain: proportional gain of the work-time update
//   - Smoothing: EMA alpha applied to measured usage; 0 disables it
//   - Cores: CPUs available to the target; a Limit >= Cores is never enforced
type Config struct {
	Target     int
	Limit      types.Limit
	Period     time.Duration
	MinQuantum time.Duration
	Gain       float64
	Smoothing  float64
	Cores      int

	IncludeChildren    bool
	UID                *uint32
	ExcludeInteractive bool
}

// Tunables. NextSplit scales the error by the measured usage per unit of
// duty, so the remaining error shrinks by 1-Gain each period: Gain 0.5
// halves it, whatever the number of busy threads.
const (
	DefaultPeriod     = 100 * time.Millisecond
	DefaultMinQuantum = 2 * time.Millisecond
	DefaultGain       = 0.5
)

// DefaultConfig returns a config with every tunable set. Target and Limit
// are left for the caller.
func DefaultConfig() Config {
	return Config{
		Period:     DefaultPeriod,
		MinQuantum: DefaultMinQuantum,
		Gain:       DefaultGain,
		Smoothing:  0,
		Cores:      runtime.NumCPU(),
	}
}

// withDefaults fills zero or out-of-range tunables from DefaultConfig.
// Smoothing outside [0,1) is treated as off.
func (c Config) withDefaults() Config {
	base := DefaultConfig()
	if c.Period <= 0 {
		c.Period = base.Period
	}
	if c.MinQuantum <= 0 {
		c.MinQuantum = base.MinQuantum
	}
	if c.MinQuantum > c.Period {
		c.MinQuantum = c.Period
	}
	if c.Gain <= 0 {
		c.Gain = base.Gain
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		c.Smoothing = 0
	}
	if c.Cores <= 0 {
		c.Cores = base.Cores
	}
	return c
}

// Validate checks the caller-supplied fields.
func (c Config) Validate() error {
	if c.Target <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "target pid %d", c.Target)
	}
	if c.Limit < 0 {
		return errors.Wrapf(ErrInvalidConfig, "limit %s", c.Limit)
	}
	if c.Cores > 0 && float64(c.Limit) > float64(c.Cores) {
		return errors.Wrapf(ErrInvalidConfig, "limit %s exceeds %d cores", c.Limit, c.Cores)
	}
	if c.Gain > 1 {
		return errors.Wrapf(ErrInvalidConfig, "gain %g above 1 oscillates", c.Gain)
	}
	return nil
}

// Filter is the iteration filter the process group refreshes with.
func (c Config) Filter() proc.Filter {
	return proc.Filter{
		PID:                c.Target,
		IncludeChildren:    c.IncludeChildren,
		UID:                c.UID,
		ExcludeInteractive: c.ExcludeInteractive,
	}
}
