package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outbox "github.com/velmie/chatoutbox"
)

func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNewStorageOptions(t *testing.T) {
	_, err := NewStorage(nil)
	require.ErrorIs(t, err, ErrClientRequired)

	s, err := NewStorage(unreachableClient(t), WithPrefix("chat:"), WithTTL(time.Hour), WithTTL(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, "chat:", s.prefix)
	assert.Equal(t, time.Hour, s.ttl)
}

func TestStorageRejectsEmptyKey(t *testing.T) {
	s, err := NewStorage(unreachableClient(t))
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "")
	require.ErrorIs(t, err, ErrKeyRequired)
	require.ErrorIs(t, s.Set(context.Background(), "", []byte(`[]`)), ErrKeyRequired)
}

func TestStorageConnectionErrorIsNotMissingKey(t *testing.T) {
	s, err := NewStorage(unreachableClient(t))
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "outbox")
	require.Error(t, err)
	require.NotErrorIs(t, err, outbox.ErrNotFound)
	require.Error(t, s.Set(context.Background(), "outbox", []byte(`[]`)))
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), ConnConfig{URL: "http://localhost"})
	require.ErrorIs(t, err, ErrFailedToParseURL)
}
