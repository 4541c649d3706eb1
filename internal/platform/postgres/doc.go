// Package postgres implements the store.TaskStore interface against
// PostgreSQL using the pgx stdlib driver. The optimistic-lock compare-and-
// swap is a single conditioned UPDATE (WHERE id = $1 AND version = $2), so
// the at-most-one-winner guarantee comes directly from the database.
package postgres
