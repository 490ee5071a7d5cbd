package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// InitLogger builds the process logger, writes to stderr so stdout stays
// free for the summary, and installs it as the context default.
func InitLogger(level string) (*zerolog.Logger, error) {
	return New(os.Stderr, level)
}

// New is InitLogger with a chosen writer.
func New(w io.Writer, level string) (*zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	consoleWriter := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}

	logger := zerolog.New(consoleWriter).
		Level(lvl).
		With().
		Timestamp().
		Str("run", xid.New().String()).
		Logger()
	zerolog.DefaultContextLogger = &logger
	return &logger, nil
}

// ParseLevel accepts zerolog level names; "" means info.
func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "log level %q", level)
	}
	return lvl, nil
}

func Logger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
