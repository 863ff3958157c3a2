// Package policy caches authorization decisions for tool and capability
// checks. Decisions are cached in two tiers: a sharded in-process LRU (L1)
// and an optional shared Redis store (L2) so replicas can reuse each
// other's evaluations. Writers publish invalidation messages over pub/sub;
// replicas drop their L1 entry when another instance changes a decision.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// Defaults applied by NewDecisionCache.
const (
	DefaultL1Capacity = 4096
	DefaultShards     = 16
	DefaultTTL        = 60 * time.Second

	// decisionPrefix namespaces L2 keys under the Redis client's prefix,
	// e.g. "policy:decision:<key>".
	decisionPrefix = "decision:"

	// invalidateChannel is the pub/sub channel for cross-replica L1
	// invalidation, namespaced by the Redis client.
	invalidateChannel = "invalidate"
)

// invalidation is the wire format of an invalidation message. The source
// instance id lets replicas ignore their own publications.
type invalidation struct {
	Key              string `json:"key"`
	SourceInstanceID string `json:"sourceInstanceId"`
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits     uint64 // L1 hits
	Misses   uint64 // missed both tiers
	L2Hits   uint64 // L1 miss served from the shared store
	L2Errors uint64 // shared store failures (served L1-only)
}

// Config configures a DecisionCache.
type Config struct {
	// L1Capacity bounds the total number of in-process entries.
	// Defaults to DefaultL1Capacity.
	L1Capacity int

	// Shards splits the L1 across independently locked segments.
	// Defaults to DefaultShards.
	Shards int

	// TTL bounds how long a decision may be served without re-evaluation.
	// Applies to both tiers. Defaults to DefaultTTL.
	TTL time.Duration

	// Redis enables the shared L2 tier and invalidation pub/sub when set.
	// Expected to use core.RedisDBPolicyCache. Nil runs L1-only.
	Redis *core.RedisClient

	// InstanceID identifies this replica in invalidation messages.
	// Defaults to a generated instance id.
	InstanceID string

	Logger core.Logger
}

// DecisionCache is a two-tier policy decision cache. Values are opaque
// serialized decisions; the caller owns the encoding.
type DecisionCache struct {
	l1         *shardedLRU
	ttl        time.Duration
	redis      *core.RedisClient
	instanceID string
	logger     core.Logger

	hits     atomic.Uint64
	misses   atomic.Uint64
	l2Hits   atomic.Uint64
	l2Errors atomic.Uint64

	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewDecisionCache creates the cache and, when Redis is configured,
// subscribes to the invalidation channel.
func NewDecisionCache(cfg Config) (*DecisionCache, error) {
	if cfg.L1Capacity < 0 {
		return nil, fmt.Errorf("L1 capacity must not be negative: %w", core.ErrInvalidConfiguration)
	}
	if cfg.L1Capacity == 0 {
		cfg.L1Capacity = DefaultL1Capacity
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("TTL must not be negative: %w", core.ErrInvalidConfiguration)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = core.NewInstanceID()
	}

	c := &DecisionCache{
		l1:         newShardedLRU(cfg.L1Capacity, cfg.Shards),
		ttl:        cfg.TTL,
		redis:      cfg.Redis,
		instanceID: cfg.InstanceID,
		logger:     core.EnsureLogger(cfg.Logger),
		now:        time.Now,
		done:       make(chan struct{}),
	}

	if c.redis != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		pubsub := c.redis.Subscribe(ctx, invalidateChannel)
		go c.invalidationLoop(ctx, pubsub)
	} else {
		close(c.done)
	}

	return c, nil
}

// Get returns the cached decision for key, checking L1 then L2. An L2 hit
// repopulates L1. L2 failures degrade to an L1-only miss.
func (c *DecisionCache) Get(ctx context.Context, key string) (string, bool) {
	if value, ok := c.l1.get(key, c.now()); ok {
		c.hits.Add(1)
		return value, true
	}

	if c.redis != nil {
		value, err := c.redis.Get(ctx, decisionPrefix+key)
		if err == nil {
			c.l2Hits.Add(1)
			c.l1.set(key, value, c.now().Add(c.ttl))
			return value, true
		}
		if !isRedisMiss(err) {
			c.l2Errors.Add(1)
			c.logger.Warn("Policy L2 read failed, serving L1 only", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}

	c.misses.Add(1)
	return "", false
}

// Set stores a decision in both tiers and notifies other replicas. L2 or
// publish failures are logged and the L1 write stands.
func (c *DecisionCache) Set(ctx context.Context, key, value string) {
	c.l1.set(key, value, c.now().Add(c.ttl))

	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, decisionPrefix+key, value, c.ttl); err != nil {
		c.l2Errors.Add(1)
		c.logger.Warn("Policy L2 write failed, entry is local only", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return
	}
	c.publishInvalidation(ctx, key)
}

// Invalidate drops a decision from both tiers and notifies other replicas.
// Call it when the underlying policy or subject attributes change.
func (c *DecisionCache) Invalidate(ctx context.Context, key string) {
	c.l1.delete(key)

	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, decisionPrefix+key); err != nil {
		c.l2Errors.Add(1)
		c.logger.Warn("Policy L2 delete failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	c.publishInvalidation(ctx, key)
}

// Stats returns a snapshot of the cache counters.
func (c *DecisionCache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		L2Hits:   c.l2Hits.Load(),
		L2Errors: c.l2Errors.Load(),
	}
}

// Len returns the number of live L1 entries, counting expired entries that
// have not been touched since expiry.
func (c *DecisionCache) Len() int {
	return c.l1.len()
}

// Close stops the invalidation subscriber. The cache remains usable as
// L1-only after Close.
func (c *DecisionCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrAlreadyShutdown
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return nil
}

func (c *DecisionCache) publishInvalidation(ctx context.Context, key string) {
	payload, err := json.Marshal(invalidation{Key: key, SourceInstanceID: c.instanceID})
	if err != nil {
		return
	}
	if err := c.redis.Publish(ctx, invalidateChannel, payload); err != nil {
		c.logger.Warn("Policy invalidation publish failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func (c *DecisionCache) invalidationLoop(ctx context.Context, pubsub redisPubSub) {
	defer close(c.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.handleInvalidation([]byte(msg.Payload))
		}
	}
}

// handleInvalidation applies one invalidation message. Messages published
// by this instance are skipped: the local L1 was already updated by the
// Set or Invalidate that produced them.
func (c *DecisionCache) handleInvalidation(payload []byte) {
	var msg invalidation
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Key == "" {
		c.logger.Warn("Dropping malformed policy invalidation", map[string]interface{}{
			"error": fmt.Sprintf("%v", err),
		})
		return
	}
	if msg.SourceInstanceID == c.instanceID {
		return
	}
	c.l1.delete(msg.Key)
	c.logger.Debug("Invalidated policy decision", map[string]interface{}{
		"key":    msg.Key,
		"source": msg.SourceInstanceID,
	})
}
