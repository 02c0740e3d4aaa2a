// Package redis provides a Redis storage backend for outbox queues.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	outbox "github.com/velmie/chatoutbox"
)

var (
	// ErrClientRequired is returned when no client is provided.
	ErrClientRequired = errors.New("outbox redis: client is required")
	// ErrKeyRequired is returned when a storage key is empty.
	ErrKeyRequired = errors.New("outbox redis: storage key is required")
)

// Option configures the Redis storage.
type Option func(*Storage)

// WithPrefix namespaces every storage key, e.g. "chat:".
func WithPrefix(prefix string) Option {
	return func(s *Storage) {
		s.prefix = prefix
	}
}

// WithTTL expires queues that were not written for ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Storage) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// Storage persists serialized outbox queues as Redis strings.
type Storage struct {
	db     redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ outbox.Storage = (*Storage)(nil)

// NewStorage wraps a go-redis client.
func NewStorage(client redis.UniversalClient, opts ...Option) (*Storage, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	s := &Storage{db: client}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Get returns the serialized queue stored under key.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	val, err := s.db.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, outbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox redis: get failed: %w", err)
	}

	return val, nil
}

// Set stores the serialized queue under key, refreshing the TTL if any.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrKeyRequired
	}

	if err := s.db.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("outbox redis: set failed: %w", err)
	}

	return nil
}

// Close terminates the Redis connection.
func (s *Storage) Close() error {
	return s.db.Close()
}
