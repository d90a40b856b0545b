package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dedupKeyPrefix   = "multipart:dedup:"
	pendingKeyPrefix = "multipart:pending:"

	// pendingTTL outlives any multipart session the store keeps open.
	pendingTTL = 7 * 24 * time.Hour
)

// DedupIndex maps content hashes to the keys of completed uploads.
type DedupIndex interface {
	// Lookup returns the key already holding the content, or "" when unknown.
	Lookup(ctx context.Context, contentHash string) (string, error)
	// Begin remembers the content hash of a new session until it completes.
	Begin(ctx context.Context, uploadID, contentHash string) error
	// Commit records the completed session's key under the hash remembered by Begin.
	Commit(ctx context.Context, uploadID, key string) error
	// Forget drops a session that will never complete.
	Forget(ctx context.Context, uploadID string) error
}

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDedupIndex is a DedupIndex kept in redis.
type RedisDedupIndex struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisDedupIndex ...
func NewRedisDedupIndex(client redisClient, ttl time.Duration) *RedisDedupIndex {
	return &RedisDedupIndex{client: client, ttl: ttl}
}

// Lookup ...
func (r *RedisDedupIndex) Lookup(ctx context.Context, contentHash string) (string, error) {
	if contentHash == "" {
		return "", nil
	}
	key, err := r.client.Get(ctx, dedupKeyPrefix+contentHash).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", contentHash, err)
	}
	return key, nil
}

// Begin ...
func (r *RedisDedupIndex) Begin(ctx context.Context, uploadID, contentHash string) error {
	if contentHash == "" {
		return nil
	}
	if err := r.client.Set(ctx, pendingKeyPrefix+uploadID, contentHash, pendingTTL).Err(); err != nil {
		return fmt.Errorf("remember %s: %w", uploadID, err)
	}
	return nil
}

// Commit ...
func (r *RedisDedupIndex) Commit(ctx context.Context, uploadID, key string) error {
	contentHash, err := r.client.Get(ctx, pendingKeyPrefix+uploadID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", uploadID, err)
	}

	if err := r.client.Set(ctx, dedupKeyPrefix+contentHash, key, r.ttl).Err(); err != nil {
		return fmt.Errorf("record %s: %w", contentHash, err)
	}
	return r.Forget(ctx, uploadID)
}

// Forget ...
func (r *RedisDedupIndex) Forget(ctx context.Context, uploadID string) error {
	if err := r.client.Del(ctx, pendingKeyPrefix+uploadID).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", uploadID, err)
	}
	return nil
}

type noDedup struct{}

func (noDedup) Lookup(context.Context, string) (string, error) { return "", nil }
func (noDedup) Begin(context.Context, string, string) error { return nil }
func (noDedup) Commit(context.Context, string, string) error { return nil }
func (noDedup) Forget(context.Context, string) error { return nil }
