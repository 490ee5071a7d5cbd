package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_ContextDefault(t *testing.T) {
	prev := zerolog.DefaultContextLogger
	t.Cleanup(func() { zerolog.DefaultContextLogger = prev })

	var buf bytes.Buffer
	l, err := New(&buf, "warn")
	require.NoError(t, err)

	Logger(context.Background()).Info().Msg("hidden")
	Logger(context.Background()).Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "run=")

	ctx := l.With().Str("k", "v").Logger().WithContext(context.Background())
	Logger(ctx).Error().Msg("scoped")
	assert.Contains(t, buf.String(), "scoped")
	assert.Contains(t, buf.String(), "k=")
}
