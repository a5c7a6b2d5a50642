// Package cache keeps a read-through cache of the credential index
// (credential hash -> account id) in Redis, in front of the store.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/redis"
)

// KV is the subset of the Redis client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Cache maps credential hashes to account ids. A nil *Cache is valid and
// caches nothing.
type Cache struct {
	kv  KV
	ttl time.Duration
}

// New creates a new cache instance
func New(kv KV, ttl time.Duration) *Cache {
	return &Cache{kv: kv, ttl: ttl}
}

func credentialKey(hash string) string {
	return "cache:credential:" + hash
}

// AccountID returns the cached owner of a credential hash. ok is false on a
// miss or when Redis is unavailable; callers fall back to the store.
func (c *Cache) AccountID(ctx context.Context, hash string) (id string, ok bool, err error) {
	if c == nil {
		return "", false, nil
	}
	val, err := c.kv.Get(ctx, credentialKey(hash))
	if errors.Is(err, redis.ErrMiss) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Put stores the owner of a credential hash.
func (c *Cache) Put(ctx context.Context, hash, accountID string) error {
	if c == nil {
		return nil
	}
	return c.kv.Set(ctx, credentialKey(hash), accountID, c.ttl)
}

// Invalidate drops a credential, e.g. after revocation.
func (c *Cache) Invalidate(ctx context.Context, hash string) error {
	if c == nil {
		return nil
	}
	return c.kv.Del(ctx, credentialKey(hash))
}
