// Package storage is the durable job store.
//
// A Client owns the database handle and can be stopped and started again
// without losing the Store built on top of it. Two dialects are supported:
//   - sqlite (modernc.org/sqlite, pure Go)
//   - postgres (github.com/lib/pq)
//
// Timestamps are stored as unix milliseconds. The unique_key column carries a
// UNIQUE constraint, so at most one job exists per reminder slot.
package storage
