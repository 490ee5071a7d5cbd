//go:build linux

package limiter

import (
	"context"
	"testing"

	"github.com/ja7ad/cpulimit/pkg/system/proc"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"source", errors.Wrap(proc.ErrSourceUnavailable, "statfs"), ExitSourceUnavailable},
		{"not_found", errors.Wrapf(ErrTargetNotFound, "pid %d", 7), ExitTargetNotFound},
		{"no_match", errors.Wrap(proc.ErrNoMatch, "firefox"), ExitTargetNotFound},
		{"abnormal", errors.Wrap(ErrAbnormalShutdown, "pids [3]"), ExitAbnormalShutdown},
		{"config", errors.Wrap(ErrInvalidConfig, "limit"), ExitUsage},
		{"other", context.DeadlineExceeded, ExitUsage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}
