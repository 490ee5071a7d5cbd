//go:build linux

package limiter

import (
	"math"
	"time"

	"github.com/ja7ad/cpulimit/pkg/system/util"
	"github.com/ja7ad/cpulimit/pkg/types"
)

// minPlantGain is the floor of the usage-per-duty estimate. Below one CPU
// per unit of duty the raw error is used as is.
const minPlantGain = 1.0

// PlantGain estimates how much usage one unit of duty cycle produced in the
// last period: actual / (work/T). It is roughly the number of busy threads
// in the group, and never below minPlantGain.
func PlantGain(work, period time.Duration, actual float64) float64 {
	duty := util.SafeDiv(float64(work), float64(period))
	if duty <= 0 {
		return minPlantGain
	}
	return math.Max(actual/duty, minPlantGain)
}

// NextSplit computes the run/stop split of the next period:
//
//	k      = max(actual / (work/T), 1)
//	work'  = clamp(work + gain * (limit - actual) / k * T, minQ, T)
//	sleep' = T - work'
//
// Dividing the error by k keeps the loop multiplier at 1-gain however many
// threads the group runs, so any gain in (0,1] settles without
// oscillating. A limit covering every core yields (T, 0). work'+sleep' is
// always T.
func NextSplit(work, period, minQ time.Duration, gain float64, limit types.Limit, actual float64, cores int) (time.Duration, time.Duration) {
	if period <= 0 {
		return 0, 0
	}
	if limit.Unconstrained(cores) {
		return period, 0
	}
	minQ = util.ClampDuration(minQ, 0, period)

	k := PlantGain(work, period, actual)
	next := float64(work) + gain*(limit.Fraction()-actual)/k*float64(period)
	w := time.Duration(math.Round(util.Clamp(next, float64(minQ), float64(period))))
	w = util.ClampDuration(w, minQ, period)
	return w, period - w
}

// initialWork is the open-loop guess for the first period.
func initialWork(cfg Config) time.Duration {
	w, _ := NextSplit(0, cfg.Period, cfg.MinQuantum, 1, cfg.Limit, 0, cfg.Cores)
	return w
}
