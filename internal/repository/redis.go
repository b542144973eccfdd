package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fintrack/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	taskKeyPrefix  = "fintrack:task:"
	leaseKeyPrefix = "fintrack:lease:"
)

// NewRedisClient builds a Redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// RedisTaskRegistry keeps deferred task registrations in Redis so they
// outlive the registering process.
type RedisTaskRegistry struct {
	client *redis.Client
}

func NewRedisTaskRegistry(client *redis.Client) *RedisTaskRegistry {
	return &RedisTaskRegistry{client: client}
}

// Register records the task; registering twice keeps the first registration time.
func (r *RedisTaskRegistry) Register(ctx context.Context, name string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := r.client.SetNX(ctx, taskKeyPrefix+name, now, 0).Err(); err != nil {
		return fmt.Errorf("failed to register task in redis: %w", err)
	}
	return nil
}

func (r *RedisTaskRegistry) Pending(ctx context.Context, name string) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	n, err := r.client.Exists(ctx, taskKeyPrefix+name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read task from redis: %w", err)
	}
	return n > 0, nil
}

func (r *RedisTaskRegistry) Complete(ctx context.Context, name string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, taskKeyPrefix+name).Err(); err != nil {
		return fmt.Errorf("failed to complete task in redis: %w", err)
	}
	return nil
}

// releaseScript deletes the lease only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out leases shared by every process using the same Redis.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if l.client == nil {
		return nil, false, errors.New("redis client is nil")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaseKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Detached so a cancelled caller still frees the lease.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{leaseKeyPrefix + key}, token).Err()
	}
	return release, true, nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
