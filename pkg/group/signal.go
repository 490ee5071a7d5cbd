//go:build linux

package group

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Signaler delivers a signal to one process. Implementations must not block.
type Signaler interface {
	Signal(pid int, sig unix.Signal) error
}

// KillSignaler sends real signals with kill(2).
type KillSignaler struct{}

func (KillSignaler) Signal(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

// SignalError records a failed delivery to one member.
type SignalError struct {
	PID    int
	Signal unix.Signal
	Err    error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("group: %s to pid %d: %v", unix.SignalName(e.Signal), e.PID, e.Err)
}

func (e *SignalError) Unwrap() error { return e.Err }

// Gone reports whether the process no longer existed.
func (e *SignalError) Gone() bool {
	return errors.Is(e.Err, unix.ESRCH)
}

// SignalReport summarizes one PauseAll or ResumeAll walk.
type SignalReport struct {
	Signal    unix.Signal
	Sent      int
	Delivered []int // pids signalled successfully, in order
	Failed    []*SignalError
}

// Denied returns the failures not explained by the process having exited.
func (r SignalReport) Denied() []*SignalError {
	var out []*SignalError
	for _, f := range r.Failed {
		if !f.Gone() {
			out = append(out, f)
		}
	}
	return out
}
