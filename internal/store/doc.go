// Package store defines the persistence abstractions for the task queue.
//
// The central interface is TaskStore, whose UpdateTask method is the single
// mutation path for task rows: a compare-and-swap conditioned on the row's
// version column. Concrete implementations live under internal/platform
// (postgres, sqlite, memory); all of them must reject writes whose expected
// version no longer matches, which is the sole coordination primitive the
// queue relies on under concurrent workers.
package store
