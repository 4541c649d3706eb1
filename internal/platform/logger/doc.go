// Package logger configures the application's structured logging (log/slog)
// and provides helpers for propagating a scoped logger through
// context.Context so store and executor code logs with the caller's
// correlation attributes.
package logger
