package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachable points at a port nothing listens on.
func unreachable() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestClaims_PastInstantSkipsRedis(t *testing.T) {
	c := NewRedisClaims(unreachable())

	err := c.Remember(context.Background(), "daily:5.alice:SIGN_IN:-:2025-03-10", time.Now().Add(-time.Second))
	assert.NoError(t, err, "an already-ended day must not reach redis")
}

func TestClaims_ErrorsSurface(t *testing.T) {
	c := NewRedisClaims(unreachable())
	ctx := context.Background()

	ok, err := c.Claimed(ctx, "k")
	assert.Error(t, err)
	assert.False(t, ok)

	assert.Error(t, c.Remember(ctx, "k", time.Now().Add(time.Hour)))
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, "127.0.0.1:1", "")
	assert.Error(t, err)
}

// TestClaims_Redis runs against a real server when REDIS_ADDR is set.
func TestClaims_Redis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := Connect(ctx, addr, os.Getenv("REDIS_PASSWORD"))
	require.NoError(t, err)
	defer rdb.Close()

	c := NewRedisClaims(rdb)
	key := "test:" + time.Now().Format(time.RFC3339Nano)

	ok, err := c.Claimed(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Remember(ctx, key, time.Now().Add(time.Minute)))

	ok, err = c.Claimed(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := rdb.TTL(ctx, keyPrefix+key).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)
}
