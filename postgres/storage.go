// Package postgres provides a PostgreSQL storage backend for outbox queues
// built on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	outbox "github.com/velmie/chatoutbox"
	"github.com/velmie/chatoutbox/internal/sqlname"
)

const (
	defaultTable      = "outbox_queues"
	defaultPruneLimit = 10000
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	storage_key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %s_updated_at_idx ON %s (updated_at);`

var (
	// ErrDBRequired is returned when no database handle is provided.
	ErrDBRequired = errors.New("outbox postgres: db is required")
	// ErrKeyRequired is returned when a storage key is empty.
	ErrKeyRequired = errors.New("outbox postgres: storage key is required")
	// ErrPruneBeforeRequired is returned when the prune cutoff is missing.
	ErrPruneBeforeRequired = errors.New("outbox postgres: prune before time is required")
	// ErrPruneLimitInvalid is returned when the prune limit is negative.
	ErrPruneLimitInvalid = errors.New("outbox postgres: prune limit must be non-negative")
)

// DB is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Option configures the PostgreSQL storage.
type Option func(*Storage)

// WithTable sets the queue table name.
func WithTable(name string) Option {
	return func(s *Storage) {
		s.table = name
	}
}

// Storage persists serialized outbox queues in a PostgreSQL table.
type Storage struct {
	db    DB
	table string

	get    string
	upsert string
	prune  string
}

var _ outbox.Storage = (*Storage)(nil)

// NewStorage constructs a PostgreSQL storage.
func NewStorage(db DB, opts ...Option) (*Storage, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	s := &Storage{db: db, table: defaultTable}
	for _, opt := range opts {
		opt(s)
	}

	table, err := sqlname.Sanitize(s.table)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: %w", err)
	}
	s.table = table
	s.get = fmt.Sprintf("SELECT value FROM %s WHERE storage_key = $1", table)
	s.upsert = fmt.Sprintf(
		"INSERT INTO %s (storage_key, value) VALUES ($1, $2) "+
			"ON CONFLICT (storage_key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()",
		table,
	)
	s.prune = fmt.Sprintf(
		"DELETE FROM %[1]s WHERE storage_key IN "+
			"(SELECT storage_key FROM %[1]s WHERE updated_at <= $1 ORDER BY updated_at LIMIT $2)",
		table,
	)

	return s, nil
}

// Schema returns the queue table definition.
func Schema(table string) (string, error) {
	name, err := sqlname.Sanitize(table)
	if err != nil {
		return "", fmt.Errorf("outbox postgres: %w", err)
	}
	index := name[strings.LastIndex(name, ".")+1:]

	// #nosec G201 -- table name is sanitized.
	return fmt.Sprintf(schemaTemplate, name, index, name), nil
}

// Migrate creates the queue table when it does not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	schema, err := Schema(s.table)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("outbox postgres: migrate failed: %w", err)
	}

	return nil
}

// Get returns the serialized queue stored under key.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	var value []byte
	err := s.db.QueryRow(ctx, s.get, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, outbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: get failed: %w", err)
	}

	return value, nil
}

// Set upserts the serialized queue under key.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrKeyRequired
	}
	if value == nil {
		value = []byte{}
	}

	if _, err := s.db.Exec(ctx, s.upsert, key, value); err != nil {
		return fmt.Errorf("outbox postgres: upsert failed: %w", err)
	}

	return nil
}

// Prune deletes up to limit queues last written at or before before.
// A zero limit uses the default.
func (s *Storage) Prune(ctx context.Context, before time.Time, limit int) (int64, error) {
	if before.IsZero() {
		return 0, ErrPruneBeforeRequired
	}
	if limit == 0 {
		limit = defaultPruneLimit
	}
	if limit < 0 {
		return 0, ErrPruneLimitInvalid
	}

	tag, err := s.db.Exec(ctx, s.prune, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("outbox postgres: prune failed: %w", err)
	}

	return tag.RowsAffected(), nil
}
