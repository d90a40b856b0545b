package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	lists  map[string][]string
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}, lists: map[string][]string{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	value, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			delete(f.ttls, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	for _, v := range values {
		f.lists[key] = append([]string{v.(string)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) list(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lists[key]...)
}

func (f *fakeRedis) value(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

func TestRedisDedupIndex(t *testing.T) {
	rdb := newFakeRedis()
	index := NewRedisDedupIndex(rdb, 24*time.Hour)
	ctx := context.Background()

	key, err := index.Lookup(ctx, "hash")
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, index.Begin(ctx, "upload-1", "hash"))
	assert.Equal(t, pendingTTL, rdb.ttls[pendingKeyPrefix+"upload-1"])

	key, err = index.Lookup(ctx, "hash")
	require.NoError(t, err)
	assert.Empty(t, key, "pending sessions are not deduplicated")

	require.NoError(t, index.Commit(ctx, "upload-1", "uploads/a.mp4"))
	key, err = index.Lookup(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, "uploads/a.mp4", key)
	assert.Equal(t, 24*time.Hour, rdb.ttls[dedupKeyPrefix+"hash"])
	assert.Empty(t, rdb.value(pendingKeyPrefix+"upload-1"))
}

func TestRedisDedupIndex_UnknownSession(t *testing.T) {
	rdb := newFakeRedis()
	index := NewRedisDedupIndex(rdb, 0)
	ctx := context.Background()

	require.NoError(t, index.Commit(ctx, "unknown", "uploads/a.mp4"))
	require.NoError(t, index.Begin(ctx, "upload-1", ""))
	assert.Empty(t, rdb.values)

	require.NoError(t, index.Begin(ctx, "upload-2", "hash"))
	require.NoError(t, index.Forget(ctx, "upload-2"))
	require.NoError(t, index.Commit(ctx, "upload-2", "uploads/b.mp4"))
	key, err := index.Lookup(ctx, "hash")
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestRedisDedupIndex_Errors(t *testing.T) {
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	index := NewRedisDedupIndex(rdb, 0)
	ctx := context.Background()

	_, err := index.Lookup(ctx, "hash")
	require.Error(t, err)
	require.Error(t, index.Begin(ctx, "upload-1", "hash"))
	require.Error(t, index.Commit(ctx, "upload-1", "key"))
	require.Error(t, index.Forget(ctx, "upload-1"))
}
