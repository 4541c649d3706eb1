// Package sqlite implements the store.TaskStore interface against an
// embedded SQLite database using the CGO-free modernc.org/sqlite driver.
// Timestamps are stored as integer unix seconds; FIFO ties within a second
// fall back to the time-ordered UUIDv7 task ID.
package sqlite
