package logger

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/queue-api/internal/config"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name        string
		level       string
		debugLogged bool
	}{
		{"debug level", "debug", true},
		{"info level", "info", false},
		{"warn level", "warn", false},
		{"error level", "error", false},
		{"invalid level falls back to info", "verbose", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logger, err := Setup(config.ServerConfig{Port: 8080, LogLevel: tc.level})
			require.NoError(t, err)
			require.NotNil(t, logger)

			assert.Equal(t, tc.debugLogged, logger.Enabled(context.Background(), slog.LevelDebug))
			assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
		})
	}
}

func TestSetup_SetsDefaultLogger(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger, err := Setup(config.ServerConfig{Port: 8080, LogLevel: "info"})
	require.NoError(t, err)
	assert.Equal(t, logger, slog.Default())
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	scoped := slog.New(slog.NewTextHandler(io.Discard, nil)).With("trace_id", "abc")

	t.Run("round trips through the context", func(t *testing.T) {
		t.Parallel()

		ctx := WithLogger(context.Background(), scoped)
		assert.Equal(t, scoped, FromContext(ctx))
		assert.Equal(t, scoped, FromContextOrDefault(ctx, nil))
	})

	t.Run("falls back to the process default", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, slog.Default(), FromContext(context.Background()))
	})

	t.Run("falls back to the provided default", func(t *testing.T) {
		t.Parallel()

		def := slog.New(slog.NewTextHandler(io.Discard, nil))
		assert.Equal(t, def, FromContextOrDefault(context.Background(), def))
	})
}
