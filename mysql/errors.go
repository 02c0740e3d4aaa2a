package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("outbox mysql: db is required")
	// ErrKeyRequired is returned when a storage key is empty.
	ErrKeyRequired = errors.New("outbox mysql: storage key is required")
	// ErrKeyTooLong is returned when a storage key exceeds the column width.
	ErrKeyTooLong = errors.New("outbox mysql: storage key is too long")
	// ErrPruneBeforeRequired is returned when the prune cutoff is missing.
	ErrPruneBeforeRequired = errors.New("outbox mysql: prune before time is required")
	// ErrPruneLimitInvalid is returned when the prune limit is negative.
	ErrPruneLimitInvalid = errors.New("outbox mysql: prune limit must be non-negative")
	// ErrPruneRetentionInvalid is returned when the pruner retention is not positive.
	ErrPruneRetentionInvalid = errors.New("outbox mysql: prune retention must be positive")
)
