package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClientPings(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), Options{Addr: mr.Addr(), DB: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	assert.True(t, mr.DB(2).Exists("k"))
	assert.Equal(t, defaultPoolSize, client.Options().PoolSize)
}

func TestNewRedisClientRejectsBadOptions(t *testing.T) {
	_, err := NewRedisClient(context.Background(), Options{Addr: "  "})
	assert.EqualError(t, err, "redis: addr is empty")

	_, err = NewRedisClient(context.Background(), Options{Addr: "localhost:6379", DB: -1})
	assert.Error(t, err)
}

func TestNewRedisClientFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), Options{Addr: addr, DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}
