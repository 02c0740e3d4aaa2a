//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	outbox "github.com/velmie/chatoutbox"
	"github.com/velmie/chatoutbox/internal/testutil"
	"github.com/velmie/chatoutbox/redis"
)

func TestStorageIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	addr := testutil.StartRedisContainer(t, ctx)

	client, err := redis.Connect(ctx, redis.ConnConfig{
		URL:            "redis://" + addr + "/0",
		RetryAttempts:  3,
		RetryInterval:  time.Second,
		ConnectTimeout: 30 * time.Second,
	})
	require.NoError(t, err)

	storage, err := redis.NewStorage(client, redis.WithPrefix("chat:"), redis.WithTTL(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	_, err = storage.Get(ctx, "outbox")
	require.ErrorIs(t, err, outbox.ErrNotFound)

	require.NoError(t, storage.Set(ctx, "outbox", []byte(`{"version":1,"items":[]}`)))
	value, err := storage.Get(ctx, "outbox")
	require.NoError(t, err)
	require.JSONEq(t, `{"version":1,"items":[]}`, string(value))

	ttl, err := client.TTL(ctx, "chat:outbox").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
