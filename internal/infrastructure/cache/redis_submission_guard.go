package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const guardKeyPrefix = "fiscal:submission:"

// releaseScript deletes the marker only when it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisSubmissionGuard implements SubmissionGuard with SET NX markers, shared
// by every worker process
type RedisSubmissionGuard struct {
	client    *redis.Client
	keyPrefix string
	token     string
}

// NewRedisSubmissionGuard connects to Redis and verifies the connection
func NewRedisSubmissionGuard(cfg RedisConfig) (*RedisSubmissionGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisSubmissionGuardWithClient(client, ""), nil
}

// NewRedisSubmissionGuardWithClient creates a guard over an existing client
func NewRedisSubmissionGuardWithClient(client *redis.Client, keyPrefix string) *RedisSubmissionGuard {
	if keyPrefix == "" {
		keyPrefix = guardKeyPrefix
	}
	return &RedisSubmissionGuard{
		client:    client,
		keyPrefix: keyPrefix,
		token:     uuid.NewString(),
	}
}

// Acquire sets the marker if no one holds it
func (g *RedisSubmissionGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	ok, err := g.client.SetNX(ctx, g.keyPrefix+key, g.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire submission marker: %w", err)
	}
	return ok, nil
}

// Release removes the marker when this guard set it
func (g *RedisSubmissionGuard) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.keyPrefix + key}, g.token).Err(); err != nil {
		return fmt.Errorf("failed to release submission marker: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (g *RedisSubmissionGuard) Close() error {
	return g.client.Close()
}

var _ SubmissionGuard = (*RedisSubmissionGuard)(nil)
