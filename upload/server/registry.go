package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/redis/go-redis/v9"
)

const registeredListKey = "multipart:registered"

// Registry hands completed uploads to downstream processing.
type Registry interface {
	Register(ctx context.Context, userID, key string) error
}

// Registration is one entry of the registered list.
type Registration struct {
	UserID       string    `json:"userId"`
	Key          string    `json:"key"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type redisList interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisRegistry pushes registrations onto a redis list consumed by the processing workers.
type RedisRegistry struct {
	client redisList
	now    func() time.Time
}

// NewRedisRegistry ...
func NewRedisRegistry(client redisList) *RedisRegistry {
	return &RedisRegistry{client: client, now: time.Now}
}

// Register ...
func (r *RedisRegistry) Register(ctx context.Context, userID, key string) error {
	payload, err := json.Marshal(Registration{UserID: userID, Key: key, RegisteredAt: r.now().UTC()})
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, registeredListKey, string(payload)).Err(); err != nil {
		return fmt.Errorf("register %s: %w", key, err)
	}
	return nil
}

type logRegistry struct {
	logger log.Logger
}

func (r logRegistry) Register(_ context.Context, userID, key string) error {
	r.logger.Infof("Registered %s for user %s", key, userID)
	return nil
}
