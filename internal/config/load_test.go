package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "memory", cfg.Database.Driver)

	assert.Equal(t, 1000, cfg.Queue.PollIntervalMS)
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 0.0, cfg.Queue.MaxRPS)
	assert.Equal(t, 300, cfg.Queue.StaleTimeoutS)
	assert.Equal(t, 10, cfg.Queue.BaseRetryDelayS)
	assert.Equal(t, 21600, cfg.Queue.MaxRetryDelayS)
	assert.False(t, cfg.Queue.Paused)
	assert.Empty(t, cfg.Queue.CleanupSchedule)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_SERVER_PORT", "9090")
	t.Setenv("QUEUE_SERVER_LOG_LEVEL", "debug")
	t.Setenv("QUEUE_DATABASE_DRIVER", "sqlite")
	t.Setenv("QUEUE_DATABASE_URL", "file:queue.db")
	t.Setenv("QUEUE_QUEUE_POLL_INTERVAL_MS", "250")
	t.Setenv("QUEUE_QUEUE_MAX_RPS", "2.5")
	t.Setenv("QUEUE_QUEUE_PAUSED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file:queue.db", cfg.Database.URL)
	assert.Equal(t, 250, cfg.Queue.PollIntervalMS)
	assert.Equal(t, 2.5, cfg.Queue.MaxRPS)
	assert.True(t, cfg.Queue.Paused)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"invalid port", "QUEUE_SERVER_PORT", "0"},
		{"invalid log level", "QUEUE_SERVER_LOG_LEVEL", "verbose"},
		{"unknown driver", "QUEUE_DATABASE_DRIVER", "oracle"},
		{"poll interval too small", "QUEUE_QUEUE_POLL_INTERVAL_MS", "1"},
		{"batch size too large", "QUEUE_QUEUE_BATCH_SIZE", "5000"},
		{"negative rate limit", "QUEUE_QUEUE_MAX_RPS", "-1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
		})
	}
}

func TestLoad_SQLDriverRequiresURL(t *testing.T) {
	t.Setenv("QUEUE_DATABASE_DRIVER", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL")
}

func TestLoad_RetryDelayOrdering(t *testing.T) {
	t.Setenv("QUEUE_QUEUE_BASE_RETRY_DELAY_S", "600")
	t.Setenv("QUEUE_QUEUE_MAX_RETRY_DELAY_S", "60")

	_, err := Load()
	require.Error(t, err, "max delay below base delay must be rejected")
}

func TestQueueConfig_DurationHelpers(t *testing.T) {
	t.Parallel()

	q := QueueConfig{
		PollIntervalMS:  250,
		StaleTimeoutS:   300,
		BaseRetryDelayS: 10,
		MaxRetryDelayS:  21600,
		CleanupMaxAgeS:  86400,
	}

	assert.Equal(t, 250*time.Millisecond, q.PollInterval())
	assert.Equal(t, 5*time.Minute, q.StaleTimeout())
	assert.Equal(t, 10*time.Second, q.BaseRetryDelay())
	assert.Equal(t, 6*time.Hour, q.MaxRetryDelay())
	assert.Equal(t, 24*time.Hour, q.CleanupMaxAge())
}
