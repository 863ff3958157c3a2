// Package resilience provides the shared protection layer for outbound
// calls: a sliding-window rate limiter with a pluggable shared store, a
// per-key circuit breaker, and an in-flight request coalescer.
package resilience

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/agentmesh/agentmesh/core"
)

// LimitStore accounts call starts per key inside a sliding window.
// Implementations may be shared across replicas.
type LimitStore interface {
	// Take records a call start if fewer than max started within the
	// window. Returns whether the call was admitted.
	Take(ctx context.Context, key string, window time.Duration, max int) (bool, error)
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// MaxRequests admitted per key within Window.
	MaxRequests int
	Window      time.Duration

	// Store shares counters across replicas. Nil selects the in-memory
	// store. When a shared store errors at runtime the limiter falls back
	// to the in-memory store for that call.
	Store LimitStore

	// PollInterval is the wait between admission attempts while the
	// window is full. Defaults to Window/10.
	PollInterval time.Duration

	Logger core.Logger
}

// RateLimiter admits calls per key under a sliding window, queuing callers
// until a slot frees.
type RateLimiter struct {
	max      int
	window   time.Duration
	poll     time.Duration
	store    LimitStore
	fallback *memoryLimitStore
	logger   core.Logger
}

// NewRateLimiter creates a limiter.
func NewRateLimiter(cfg RateLimiterConfig) (*RateLimiter, error) {
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("rate limiter needs positive max and window: %w", core.ErrInvalidConfiguration)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = cfg.Window / 10
		if poll <= 0 {
			poll = time.Millisecond
		}
	}
	fallback := newMemoryLimitStore()
	store := cfg.Store
	if store == nil {
		store = fallback
	}
	return &RateLimiter{
		max:      cfg.MaxRequests,
		window:   cfg.Window,
		poll:     poll,
		store:    store,
		fallback: fallback,
		logger:   core.EnsureLogger(cfg.Logger),
	}, nil
}

// Schedule runs fn once a slot is available for the key, waiting as long
// as ctx allows.
func (l *RateLimiter) Schedule(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	for {
		admitted, err := l.store.Take(ctx, key, l.window, l.max)
		if err != nil {
			l.logger.Warn("Rate limit store unavailable, using in-memory fallback", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			admitted, err = l.fallback.Take(ctx, key, l.window, l.max)
			if err != nil {
				return err
			}
		}
		if admitted {
			return fn(ctx)
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for rate limit slot on %q: %w", key, ctx.Err())
		}
	}
}

// memoryLimitStore approximates the sliding window per key with a token
// bucket; it serves single-replica deployments and outages of the shared
// store.
type memoryLimitStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	max      int
	window   time.Duration
}

func newMemoryLimitStore() *memoryLimitStore {
	return &memoryLimitStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *memoryLimitStore) Take(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	s.mu.Lock()
	limiter, ok := s.limiters[key]
	if !ok || s.max != max || s.window != window {
		limiter = rate.NewLimiter(rate.Every(window/time.Duration(max)), max)
		s.limiters[key] = limiter
		s.max = max
		s.window = window
	}
	s.mu.Unlock()
	return limiter.Allow(), nil
}

// RedisLimitStore shares the sliding window across replicas with a sorted
// set per key: members are call timestamps, trimmed to the window on each
// take.
type RedisLimitStore struct {
	redis *core.RedisClient
}

// NewRedisLimitStore creates a store on the rate limiting DB.
func NewRedisLimitStore(client *core.RedisClient) *RedisLimitStore {
	return &RedisLimitStore{redis: client}
}

// Take implements LimitStore.
func (s *RedisLimitStore) Take(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-window)
	rlKey := "ratelimit:" + key

	if err := s.redis.ZRemRangeByScore(ctx, rlKey, "-inf",
		strconv.FormatInt(cutoff.UnixNano(), 10)); err != nil {
		return false, err
	}
	count, err := s.redis.ZCard(ctx, rlKey)
	if err != nil {
		return false, err
	}
	if count >= int64(max) {
		return false, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + core.NewID()
	if err := s.redis.ZAdd(ctx, rlKey, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	}); err != nil {
		return false, err
	}
	// Keys self-expire so idle limiters leave no residue.
	if err := s.redis.Expire(ctx, rlKey, 2*window); err != nil {
		return false, err
	}
	return true, nil
}
