package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"

	outbox "github.com/velmie/chatoutbox"
	"github.com/velmie/chatoutbox/internal/sqlname"
)

// DB is the subset of *sql.DB used by Storage.
type DB interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	// QueryRowContext runs a query expected to return at most one row.
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage persists serialized outbox queues in a MySQL table.
type Storage struct {
	db      DB
	queries queries
	table   string
}

var _ outbox.Storage = (*Storage)(nil)

// NewStorage constructs a MySQL storage with validated configuration.
func NewStorage(db DB, opts ...Option) (*Storage, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if sqlDB, ok := db.(*sql.DB); ok && sqlDB == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sqlname.Sanitize(cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: %w", err)
	}

	return &Storage{
		db:      db,
		queries: newQueries(table),
		table:   table,
	}, nil
}

// MustNewStorage constructs a MySQL storage or panics on error.
func MustNewStorage(db DB, opts ...Option) *Storage {
	s, err := NewStorage(db, opts...)
	if err != nil {
		panic(err)
	}

	return s
}

// Table returns the sanitized table name.
func (s *Storage) Table() string {
	return s.table
}

// Migrate creates the queue table when it does not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	schema, err := Schema(s.table)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("outbox mysql: migrate failed: %w", err)
	}

	return nil
}

// Get returns the serialized queue stored under key.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx, s.queries.get, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, outbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: get failed: %w", err)
	}

	return value, nil
}

// Set upserts the serialized queue under key.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	if _, err := s.db.ExecContext(ctx, s.queries.upsert, key, value); err != nil {
		return fmt.Errorf("outbox mysql: upsert failed: %w", err)
	}

	return nil
}

func validateKey(key string) error {
	if key == "" {
		return ErrKeyRequired
	}
	if utf8.RuneCountInString(key) > maxKeyLength {
		return ErrKeyTooLong
	}

	return nil
}
