package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrFailedToParseURL is returned when the connection URL is invalid.
	ErrFailedToParseURL = errors.New("outbox redis: failed to parse connection url")
	// ErrNotReady is returned when every connection attempt failed.
	ErrNotReady = errors.New("outbox redis: server did not become ready")
)

// ConnConfig describes a Redis connection.
type ConnConfig struct {
	// URL has the form redis://:password@localhost:6379/0.
	URL            string
	RetryAttempts  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

// Connect creates a client and pings it until it answers or the attempts run out.
func Connect(ctx context.Context, cfg ConnConfig) (*redis.Client, error) {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseURL, err)
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for range attempts {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}

	return nil, ErrNotReady
}
