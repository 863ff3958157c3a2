// Package core provides the shared contracts of the orchestrator: logging,
// error taxonomy, instance identity, and a thin Redis client wrapper with
// key namespacing and database isolation.
//
// Database Allocation:
// The orchestrator uses different Redis databases for isolation:
//   - DB 0: distributed message bus (pub/sub + agent registry)
//   - DB 1: rate limiting counters
//   - DB 2: policy decision cache (L2)
//   - DB 3-15: available for extensions
//
// All keys are automatically prefixed with the configured namespace, e.g.
// "msgbus:agent:planner" or "policy:decision:<hash>".
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Standard Redis DB allocation.
const (
	// RedisDBBus holds message bus channels and the global agent registry.
	RedisDBBus = 0

	// RedisDBRateLimiting holds shared rate limiter counters.
	RedisDBRateLimiting = 1

	// RedisDBPolicyCache holds the policy decision L2 cache.
	RedisDBPolicyCache = 2
)

// RedisClient provides a namespaced Redis interface with DB isolation.
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client.
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // Redis DB number for isolation (0-15)
	Namespace string // Key namespace, prefixed onto every key
	Logger    Logger // Optional logger
}

// NewRedisClient creates a new Redis client with the given options and
// verifies connectivity with a bounded ping.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	logger := EnsureLogger(opts.Logger)

	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":     err.Error(),
			"redis_url": opts.RedisURL,
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", opts.DB, err)
	}

	logger.Info("Redis client connected", map[string]interface{}{
		"db":        opts.DB,
		"namespace": opts.Namespace,
	})

	return &RedisClient{
		client:    client,
		dbID:      opts.DB,
		namespace: opts.Namespace,
		logger:    logger,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Raw exposes the underlying go-redis client for pub/sub and pipelines.
func (r *RedisClient) Raw() *redis.Client {
	return r.client
}

// Namespace returns the configured key namespace.
func (r *RedisClient) Namespace() string {
	return r.namespace
}

// Key formats a key with the namespace prefix.
func (r *RedisClient) Key(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// Get retrieves a value.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, r.Key(key)).Result()
}

// Set stores a value with optional TTL.
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, r.Key(key), value, ttl).Err()
}

// Del deletes keys.
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formatted := make([]string, len(keys))
	for i, key := range keys {
		formatted[i] = r.Key(key)
	}
	return r.client.Del(ctx, formatted...).Err()
}

// SAdd adds members to a set.
func (r *RedisClient) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SAdd(ctx, r.Key(key), members...).Err()
}

// SRem removes members from a set.
func (r *RedisClient) SRem(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SRem(ctx, r.Key(key), members...).Err()
}

// SMembers returns all members of a set.
func (r *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, r.Key(key)).Result()
}

// ZAdd adds members to a sorted set (used by the sliding rate limit window).
func (r *RedisClient) ZAdd(ctx context.Context, key string, members ...*redis.Z) error {
	return r.client.ZAdd(ctx, r.Key(key), members...).Err()
}

// ZRemRangeByScore removes members by score range.
func (r *RedisClient) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	return r.client.ZRemRangeByScore(ctx, r.Key(key), min, max).Err()
}

// ZCard returns the cardinality of a sorted set.
func (r *RedisClient) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, r.Key(key)).Result()
}

// Expire sets a TTL on a key.
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.Key(key), ttl).Err()
}

// Publish publishes a payload on a namespaced channel.
func (r *RedisClient) Publish(ctx context.Context, channel string, payload interface{}) error {
	return r.client.Publish(ctx, r.Key(channel), payload).Err()
}

// Subscribe subscribes to namespaced channels.
func (r *RedisClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	formatted := make([]string, len(channels))
	for i, ch := range channels {
		formatted[i] = r.Key(ch)
	}
	return r.client.Subscribe(ctx, formatted...)
}

// HealthCheck verifies Redis connectivity.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
