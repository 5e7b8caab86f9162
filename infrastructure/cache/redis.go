package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBytesCache backs a cache with a shared Redis instance instead of
// the in-process Cache/TTLCache above. It trades the zero-dependency
// simplicity of the in-memory cache for sharing across replicas: several
// orchestratord processes pointed at the same registry directory see each
// other's cached entries instead of each paying the rate-limit floor
// independently.
//
// Values are opaque []byte; callers own their own encoding (the diagnostic
// cache uses encoding/json).
type RedisBytesCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisBytesCache dials addr lazily (the client is lazy-connecting by
// design) and returns a cache with the given prefix and TTL.
func NewRedisBytesCache(addr, keyPrefix string, ttl time.Duration) *RedisBytesCache {
	return &RedisBytesCache{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (c *RedisBytesCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return b, true
}

func (c *RedisBytesCache) Set(ctx context.Context, key string, value []byte) {
	c.client.Set(ctx, c.keyPrefix+key, value, c.ttl)
}

func (c *RedisBytesCache) Delete(ctx context.Context, key string) {
	c.client.Del(ctx, c.keyPrefix+key)
}

// Close releases the underlying connection pool.
func (c *RedisBytesCache) Close() error {
	return c.client.Close()
}
