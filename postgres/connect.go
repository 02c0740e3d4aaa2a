package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrFailedToParseConfig is returned when the connection URL is invalid.
	ErrFailedToParseConfig = errors.New("outbox postgres: failed to parse connection config")
	// ErrNotReady is returned when every connection attempt failed.
	ErrNotReady = errors.New("outbox postgres: database did not become ready")
)

// ConnConfig describes a pooled connection.
type ConnConfig struct {
	URL           string
	MaxConns      int32
	RetryAttempts int
	RetryInterval time.Duration
}

// Connect opens a pool and pings it, retrying with a linearly growing wait.
func Connect(ctx context.Context, cfg ConnConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseConfig, err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := range attempts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrNotReady, ctx.Err())
			case <-time.After(time.Duration(i) * cfg.RetryInterval):
			}
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			lastErr = err
			continue
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			lastErr = err
			continue
		}

		return pool, nil
	}

	return nil, errors.Join(ErrNotReady, lastErr)
}
