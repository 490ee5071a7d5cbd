package usage

import (
	"runtime"
	"time"
)

// Config describes the budget samples are measured against.
//   - Period: nominal sampling period T
//   - Cores: CPUs available to the target; Load is usage divided by Cores
//   - Limit: configured fraction of one CPU; 0 means "no limit recorded"
type Config struct {
	Period time.Duration
	Cores  int
	Limit  float64
}

// _defaultConfig returns the limiter defaults.
func _defaultConfig() *Config {
	return &Config{
		Period: 100 * time.Millisecond,
		Cores:  runtime.NumCPU(),
		Limit:  0,
	}
}

// Sample is what one controller period observed and decided.
type Sample struct {
	Elapsed   time.Duration // wall time covered by Usage
	Usage     float64       // aggregate Δcpu/Δwall, may exceed 1
	Work      time.Duration // run time granted for the next period
	Members   int
	Throttled bool // whether the next period is split into run and stop
}

// Result is the derived view of one sample.
type Result struct {
	Usage float64       // aggregate usage, never negative
	Load  float64       // Usage / Cores, in [0..1]
	Duty  float64       // Work / Period, in [0..1]
	Over  float64       // Usage above Limit, 0 when within budget
	CPU   time.Duration // CPU time consumed over Elapsed
}
