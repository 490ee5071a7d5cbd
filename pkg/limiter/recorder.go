//go:build linux

package limiter

import (
	"time"

	"github.com/ja7ad/cpulimit/pkg/group"
)

// PeriodStats is what the controller measured and decided in one period.
type PeriodStats struct {
	Period   int
	Phase    Phase
	Usage    float64 // raw aggregate usage
	Smoothed float64 // usage fed to the control law
	Limit    float64
	Work     time.Duration
	Sleep    time.Duration
	Members  int
	Added    int
	Evicted  int
}

// Recorder observes the controller. Calls come from the controller
// goroutine and must not block.
type Recorder interface {
	ObservePeriod(PeriodStats)
	ObserveSignals(group.SignalReport)
}

type nopRecorder struct{}

func (nopRecorder) ObservePeriod(PeriodStats)         {}
func (nopRecorder) ObserveSignals(group.SignalReport) {}
