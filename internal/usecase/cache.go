package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache holds short-lived request outcomes keyed by request id.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// ErrCacheMiss is what Cache.Get returns for an absent or expired key.
var ErrCacheMiss = redis.Nil

// RedisCache stores outcomes in Redis under an optional key namespace.
type RedisCache struct {
	rdb       redis.Cmdable
	namespace string
}

// NewRedisCache wraps any go-redis client (single node, ring or cluster).
func NewRedisCache(rdb redis.Cmdable, namespace string) *RedisCache {
	return &RedisCache{rdb: rdb, namespace: namespace}
}

func (c *RedisCache) key(k string) string {
	if c.namespace == "" {
		return k
	}
	return c.namespace + ":" + k
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.rdb.Set(ctx, c.key(key), value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, c.key(key)).Result()
}

// nopCache is used when no Redis address is configured; every read misses.
type nopCache struct{}

func (nopCache) Set(context.Context, string, interface{}, time.Duration) error { return nil }
func (nopCache) Get(context.Context, string) (string, error)                   { return "", ErrCacheMiss }
