package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	outbox "github.com/velmie/chatoutbox"
)

const (
	defaultPruneLimit      = 10000
	defaultPruneEvery      = time.Hour
	defaultPruneLockPrefix = "outbox:prune:"
)

// PruneOptions defines which abandoned queues to delete.
type PruneOptions struct {
	// Before removes queues last written at or before this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
}

// PrunerConfig controls periodic pruning of abandoned queues.
type PrunerConfig struct {
	// Table is the queue table name. Use schema.table for non-default schema.
	Table string
	// Retention removes queues not written for longer than this (required).
	Retention time.Duration
	// CheckEvery is the interval between prune runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per run (0 uses the default).
	Limit int
	// LockName is the advisory lock name. Defaults to outbox:prune:<table>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock outbox.Clock
	// Logger receives warnings about prune failures.
	Logger outbox.Logger
}

// Pruner periodically deletes queues of accounts that stopped writing.
type Pruner struct {
	db      *sql.DB
	storage *Storage
	cfg     PrunerConfig
}

// Prune deletes up to opts.Limit queues last written at or before opts.Before.
func (s *Storage) Prune(ctx context.Context, opts PruneOptions) (int64, error) {
	if opts.Before.IsZero() {
		return 0, ErrPruneBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultPruneLimit
	}
	if limit < 0 {
		return 0, ErrPruneLimitInvalid
	}

	res, err := s.db.ExecContext(ctx, s.queries.prune, opts.Before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: prune delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: prune rows failed: %w", err)
	}

	return affected, nil
}

// NewPruner creates a new pruner with defaults applied.
func NewPruner(db *sql.DB, cfg PrunerConfig) (*Pruner, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrPruneRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = outbox.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = outbox.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultPruneEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultPruneLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrPruneLimitInvalid
	}

	storage, err := NewStorage(db, WithTable(cfg.Table))
	if err != nil {
		return nil, err
	}
	cfg.Table = storage.table
	if cfg.LockName == "" {
		cfg.LockName = defaultPruneLockPrefix + cfg.Table
	}

	return &Pruner{db: db, storage: storage, cfg: cfg}, nil
}

// Run periodically prunes abandoned queues until the context is canceled.
func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := p.Ensure(ctx); err != nil {
		p.cfg.Logger.Warn("outbox prune failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Ensure(ctx); err != nil {
				p.cfg.Logger.Warn("outbox prune failed", "err", err)
			}
		}
	}
}

// Ensure executes a single prune pass under an advisory lock.
func (p *Pruner) Ensure(ctx context.Context) (int64, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: prune conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := p.tryLock(ctx, conn)
	if err != nil {
		return 0, err
	}
	if !locked {
		p.cfg.Logger.Debug("outbox prune lock held by another session")

		return 0, nil
	}
	defer p.releaseLock(ctx, conn)

	deleted, err := p.storage.Prune(ctx, PruneOptions{
		Before: p.cfg.Clock.Now().Add(-p.cfg.Retention),
		Limit:  p.cfg.Limit,
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		p.cfg.Logger.Info("outbox queues pruned", "table", p.cfg.Table, "deleted", deleted)
	}

	return deleted, nil
}

func (p *Pruner) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", p.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("outbox mysql: acquire prune lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (p *Pruner) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", p.cfg.LockName).Scan(&released); err != nil {
		p.cfg.Logger.Warn("outbox prune release lock failed", "err", err)
	}
}
