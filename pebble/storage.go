// Package pebblestore keeps outbox queues in an embedded Pebble database,
// which suits a client that must survive restarts without a server.
//
// Usage:
//
//	store, err := pebblestore.Open(pebblestore.Options{DataDir: "./outbox-data"})
//	if err != nil { /* handle */ }
//	defer store.Close()
//
//	o := outbox.Open(ctx, sender, outbox.WithStorage(store))
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	outbox "github.com/velmie/chatoutbox"
)

// FsyncMode defines durability behavior for writes.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every write.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble's own policies.
	FsyncModeNever
)

const defaultFsyncInterval = 5 * time.Millisecond

var (
	// ErrDataDirRequired is returned when Options.DataDir is empty.
	ErrDataDirRequired = errors.New("outbox pebble: data dir is required")
	// ErrKeyRequired is returned when a storage key is empty.
	ErrKeyRequired = errors.New("outbox pebble: storage key is required")
)

// Options configures the Pebble storage.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL. Defaults to FsyncModeAlways.
	Fsync FsyncMode
	// FsyncInterval controls group commit when Fsync is FsyncModeInterval.
	FsyncInterval time.Duration
	// KeyPrefix namespaces storage keys inside the database.
	KeyPrefix string
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS
}

// Storage implements outbox.Storage on top of Pebble.
type Storage struct {
	inner     *pebble.DB
	prefix    string
	writeSync bool
}

var _ outbox.Storage = (*Storage)(nil)

// Open creates or opens the database in opts.DataDir.
func Open(opts Options) (*Storage, error) {
	if opts.DataDir == "" {
		return nil, ErrDataDirRequired
	}

	po := &pebble.Options{FS: opts.FS}
	switch opts.Fsync {
	case FsyncModeInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = defaultFsyncInterval
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeNever:
	default:
		opts.Fsync = FsyncModeAlways
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("outbox pebble: open failed: %w", err)
	}

	return &Storage{
		inner:     inner,
		prefix:    opts.KeyPrefix,
		writeSync: opts.Fsync != FsyncModeNever,
	}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	if s == nil || s.inner == nil {
		return nil
	}

	return s.inner.Close()
}

// Get copies the value stored under key.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	val, closer, err := s.inner.Get(s.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, outbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox pebble: get failed: %w", err)
	}
	defer closer.Close()

	return append([]byte(nil), val...), nil
}

// Set replaces the value stored under key.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrKeyRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.inner.NewBatch()
	defer b.Close()
	if err := b.Set(s.key(key), value, nil); err != nil {
		return fmt.Errorf("outbox pebble: set failed: %w", err)
	}

	syncMode := pebble.NoSync
	if s.writeSync {
		syncMode = pebble.Sync
	}
	if err := b.Commit(syncMode); err != nil {
		return fmt.Errorf("outbox pebble: commit failed: %w", err)
	}

	return nil
}

func (s *Storage) key(key string) []byte {
	return []byte(s.prefix + key)
}
