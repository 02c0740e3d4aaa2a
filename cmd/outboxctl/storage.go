package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	outbox "github.com/velmie/chatoutbox"
	"github.com/velmie/chatoutbox/httpsender"
	"github.com/velmie/chatoutbox/internal/config"
	mysqlstore "github.com/velmie/chatoutbox/mysql"
	pebblestore "github.com/velmie/chatoutbox/pebble"
	"github.com/velmie/chatoutbox/postgres"
	redisstore "github.com/velmie/chatoutbox/redis"
)

const connectRetryInterval = 2 * time.Second

// errDeliveryDisabled is returned by the sender of commands that never deliver.
var errDeliveryDisabled = errors.New("outboxctl: delivery disabled for this command")

// backend is an opened storage plus the handles prune needs.
type backend struct {
	storage  outbox.Storage
	mysqlDB  *sql.DB
	postgres *postgres.Storage
	closers  []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (a *app) openBackend(ctx context.Context) (*backend, error) {
	cfg := a.cfg
	b := &backend{}

	switch cfg.Storage {
	case config.StorageMemory:
		b.storage = outbox.NewMemoryStorage()
	case config.StoragePebble:
		store, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.DataDir, Fsync: pebblestore.FsyncModeAlways})
		if err != nil {
			return nil, err
		}
		b.storage = store
		b.closers = append(b.closers, store.Close)
	case config.StorageRedis:
		client, err := redisstore.Connect(ctx, redisstore.ConnConfig{
			URL:            cfg.RedisURL,
			RetryAttempts:  3,
			RetryInterval:  connectRetryInterval,
			ConnectTimeout: 30 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		store, err := redisstore.NewStorage(client, redisstore.WithPrefix(cfg.RedisPrefix), redisstore.WithTTL(cfg.RedisTTL))
		if err != nil {
			_ = client.Close()

			return nil, err
		}
		b.storage = store
		b.closers = append(b.closers, store.Close)
	case config.StorageMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		store, err := mysqlstore.NewStorage(db, mysqlstore.WithTable(cfg.MySQLTable))
		if err != nil {
			_ = b.Close()

			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = b.Close()

			return nil, err
		}
		b.storage = store
		b.mysqlDB = db
	case config.StoragePostgres:
		pool, err := postgres.Connect(ctx, postgres.ConnConfig{
			URL:           cfg.PostgresURL,
			RetryAttempts: 3,
			RetryInterval: connectRetryInterval,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error {
			pool.Close()

			return nil
		})
		store, err := postgres.NewStorage(pool, postgres.WithTable(cfg.PostgresTable))
		if err != nil {
			_ = b.Close()

			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = b.Close()

			return nil, err
		}
		b.storage = store
		b.postgres = store
	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}

	return b, nil
}

func (a *app) outboxOptions(b *backend, extra ...outbox.Option) []outbox.Option {
	opts := []outbox.Option{
		outbox.WithStorage(b.storage),
		outbox.WithStorageKey(a.cfg.StorageKey),
		outbox.WithBaseRetryDelay(a.cfg.BaseRetryDelay),
		outbox.WithMaxAttempts(a.cfg.MaxAttempts),
		outbox.WithMaxDelay(a.cfg.MaxDelay),
		outbox.WithJitter(a.cfg.Jitter),
		outbox.WithSendTimeout(a.cfg.SendTimeout),
		outbox.WithLogger(a.logger),
		outbox.WithOnPermanentFailure(func(item outbox.Item, err error) {
			a.logger.Warn("outbox message dropped", "client_id", item.ClientID, "attempt", item.Attempt, "err", err)
		}),
	}

	return append(opts, extra...)
}

// openOffline opens the outbox without delivering anything.
func (a *app) openOffline(ctx context.Context, b *backend) *outbox.Outbox {
	sender := outbox.SenderFunc(func(context.Context, outbox.Item) error {
		return errDeliveryDisabled
	})

	return outbox.Open(ctx, sender, a.outboxOptions(b, outbox.WithOnline(false))...)
}

func (a *app) newSender() (*httpsender.Sender, error) {
	if err := a.requireEndpoint(); err != nil {
		return nil, err
	}

	var opts []httpsender.Option
	if a.cfg.AuthToken != "" {
		opts = append(opts, httpsender.WithHeader("Authorization", "Bearer "+a.cfg.AuthToken))
	}

	return httpsender.New(a.cfg.Endpoint, opts...)
}
