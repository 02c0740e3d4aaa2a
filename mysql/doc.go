// Package mysql provides a MySQL 8.0+ storage backend for outbox queues.
//
// Each outbox persists its whole queue as one row keyed by storage key:
//   - Get reads the serialized queue with a primary key lookup
//   - Set upserts it with INSERT ... ON DUPLICATE KEY UPDATE
//   - Prune deletes rows of queues that were not written since a cutoff
//
// See Schema for the table definition.
package mysql
