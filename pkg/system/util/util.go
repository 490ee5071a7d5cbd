//go:build linux

package util

import (
	"math"
	"time"
)

// EMA is an exponential moving average. An alpha outside (0,1) disables
// smoothing and Next returns its input.
type EMA struct {
	alpha, prev float64
	ok          bool
}

func NewEMA(alpha float64) *EMA { return &EMA{alpha: alpha} }

func (e *EMA) Next(v float64) float64 {
	if e.alpha <= 0 || e.alpha >= 1 {
		return v
	}
	if !e.ok {
		e.prev, e.ok = v, true
		return v
	}
	e.prev = e.alpha*v + (1-e.alpha)*e.prev
	return e.prev
}

// Reset forgets the smoothed state.
func (e *EMA) Reset() { e.ok = false }

func SafeDiv(n, d float64) float64 {
	const eps = 1e-12
	if d > eps || d < -eps {
		return n / d
	}
	return 0
}

// NonNeg clamps x to [0, +Inf). NaN becomes 0.
func NonNeg(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	return x
}

func Clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func ClampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
