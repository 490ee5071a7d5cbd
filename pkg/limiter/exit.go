//go:build linux

package limiter

import (
	"github.com/ja7ad/cpulimit/pkg/system/proc"
	"github.com/pkg/errors"
)

// Process exit statuses.
const (
	ExitOK                = 0
	ExitUsage             = 1
	ExitSourceUnavailable = 2
	ExitTargetNotFound    = 3
	ExitAbnormalShutdown  = 4
)

// ExitCode maps a Run (or startup) error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrAbnormalShutdown):
		return ExitAbnormalShutdown
	case errors.Is(err, proc.ErrSourceUnavailable):
		return ExitSourceUnavailable
	case errors.Is(err, ErrTargetNotFound), errors.Is(err, proc.ErrNoMatch):
		return ExitTargetNotFound
	default:
		return ExitUsage
	}
}
