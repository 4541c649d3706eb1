package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue"    validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
//
// Driver selects the store implementation: "postgres" (pgx), "sqlite"
// (modernc.org/sqlite, CGO-free) or "memory" (ephemeral, for development).
// URL is the driver-specific DSN; it is ignored by the memory driver.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres sqlite memory"`
	URL    string `mapstructure:"url"    validate:"required_unless=Driver memory"`
}

// QueueConfig contains the worker-loop, retry, and housekeeping settings.
type QueueConfig struct {
	// PollIntervalMS is the worker loop tick in milliseconds.
	PollIntervalMS int `mapstructure:"poll_interval_ms" validate:"required,gte=10"`

	// BatchSize caps how many ready tasks one poll cycle dispatches.
	BatchSize int `mapstructure:"batch_size" validate:"required,gte=1,lte=1000"`

	// MaxAttempts is the attempt budget before a failed task becomes terminal.
	MaxAttempts int `mapstructure:"max_attempts" validate:"required,gte=1"`

	// MaxRPS is the token-bucket rate limit in dispatches per second.
	// Zero disables rate limiting.
	MaxRPS float64 `mapstructure:"max_rps" validate:"gte=0"`

	// StaleTimeoutS is how long an in-progress task may go without a write
	// before stale recovery reclassifies it, in seconds.
	StaleTimeoutS int `mapstructure:"stale_timeout_s" validate:"required,gte=1"`

	// BaseRetryDelayS and MaxRetryDelayS bound the exponential backoff
	// between retry attempts, in seconds.
	BaseRetryDelayS int `mapstructure:"base_retry_delay_s" validate:"required,gte=1"`
	MaxRetryDelayS  int `mapstructure:"max_retry_delay_s"  validate:"required,gtefield=BaseRetryDelayS"`

	// CleanupSchedule is a cron expression (with seconds field) for the
	// terminal-task purge job. Empty disables the janitor.
	CleanupSchedule string `mapstructure:"cleanup_schedule"`

	// CleanupMaxAgeS is the completion age past which terminal tasks are purged.
	CleanupMaxAgeS int `mapstructure:"cleanup_max_age_s" validate:"gte=0"`

	// Paused starts the worker loop in the paused state when true.
	Paused bool `mapstructure:"paused"`
}

// PollInterval returns the worker loop tick as a time.Duration.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMS) * time.Millisecond
}

// StaleTimeout returns the stale-claim timeout as a time.Duration.
func (q QueueConfig) StaleTimeout() time.Duration {
	return time.Duration(q.StaleTimeoutS) * time.Second
}

// BaseRetryDelay returns the backoff base as a time.Duration.
func (q QueueConfig) BaseRetryDelay() time.Duration {
	return time.Duration(q.BaseRetryDelayS) * time.Second
}

// MaxRetryDelay returns the backoff cap as a time.Duration.
func (q QueueConfig) MaxRetryDelay() time.Duration {
	return time.Duration(q.MaxRetryDelayS) * time.Second
}

// CleanupMaxAge returns the purge age threshold as a time.Duration.
func (q QueueConfig) CleanupMaxAge() time.Duration {
	return time.Duration(q.CleanupMaxAgeS) * time.Second
}
