// Package memory provides an in-memory implementation of store.TaskStore.
// Its UpdateTask performs the version compare-and-swap under a single write
// lock, preserving the at-most-one-winner claim guarantee of the SQL stores.
// It backs the "memory" database driver and the concurrency tests.
package memory
