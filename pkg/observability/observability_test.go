package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "bazaar", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	require.NotNil(t, p.Tracer())
	_, span := p.Tracer().Start(context.Background(), "op")
	span.End()

	require.NotNil(t, p.Meter())
	counter, err := p.Meter().Int64Counter("ops")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		level string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		log := NewLogger(tc.level)
		assert.True(t, log.Enabled(context.Background(), tc.want), "level %s", tc.level)
		if tc.want != slog.LevelDebug {
			assert.False(t, log.Enabled(context.Background(), tc.want-1), "level %s", tc.level)
		}
	}
}
