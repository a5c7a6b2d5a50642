package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/redis"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.data[key]
	if !ok {
		return "", redis.ErrMiss
	}
	return v, nil
}

func (f *fakeKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeKV) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func TestCachePutLookupInvalidate(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	c := New(kv, time.Minute)

	_, ok, err := c.AccountID(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "h1", "acc-1"))
	assert.Equal(t, time.Minute, kv.ttls[credentialKey("h1")])

	id, ok, err := c.AccountID(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "acc-1", id)

	require.NoError(t, c.Invalidate(ctx, "h1"))
	_, ok, _ = c.AccountID(ctx, "h1")
	assert.False(t, ok)
}

func TestCacheSurfacesBackendErrors(t *testing.T) {
	kv := newFakeKV()
	kv.err = errors.New("connection refused")
	c := New(kv, time.Minute)

	_, ok, err := c.AccountID(context.Background(), "h1")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	_, ok, err := c.AccountID(ctx, "h1")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Put(ctx, "h1", "acc-1"))
	assert.NoError(t, c.Invalidate(ctx, "h1"))
}
