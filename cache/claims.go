/*
claims.go - Redis cache of granted once-per-day rewards

PURPOSE:
  Most repeat reward calls (a user reloading the page signs in again) are
  answered from Redis without touching the ledger store. The cache is an
  optimisation only: a miss or an error falls through to the store, and
  the store's unique idempotency key stays the authority.

KEYS:
  claim:<daily idempotency key>  ->  "1", expires at the end of its day
*/
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "claim:"

// RedisClaims implements rewards.ClaimCache on go-redis.
type RedisClaims struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// Connect opens a client for addr and pings it.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  time.Second,
		ReadTimeout:  400 * time.Millisecond,
		WriteTimeout: 400 * time.Millisecond,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func NewRedisClaims(rdb redis.UniversalClient) *RedisClaims {
	return &RedisClaims{rdb: rdb, now: time.Now}
}

// Claimed reports whether key was remembered and has not expired.
func (c *RedisClaims) Claimed(ctx context.Context, key string) (bool, error) {
	_, err := c.rdb.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	return true, nil
}

// Remember stores key until the given instant. Past instants are ignored.
func (c *RedisClaims) Remember(ctx context.Context, key string, until time.Time) error {
	ttl := until.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	if err := c.rdb.Set(ctx, keyPrefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
