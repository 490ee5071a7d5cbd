package limiter

import "github.com/pkg/errors"

var (
	ErrInvalidConfig    = errors.New("limiter: invalid config")
	ErrTargetNotFound   = errors.New("limiter: no process matches the target")
	ErrAbnormalShutdown = errors.New("limiter: members left stopped on shutdown")
)
