package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
)

func TestRateLimiterAdmitsUpToMax(t *testing.T) {
	l, err := NewRateLimiter(RateLimiterConfig{MaxRequests: 3, Window: time.Minute})
	require.NoError(t, err)

	var calls atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Schedule(ctx, "k", func(ctx context.Context) error {
			calls.Add(1)
			return nil
		}))
	}
	assert.Equal(t, int64(3), calls.Load())

	// The window is full; the fourth caller waits until ctx gives up.
	err = l.Schedule(ctx, "k", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(3), calls.Load())
}

func TestRateLimiterKeysIndependent(t *testing.T) {
	l, err := NewRateLimiter(RateLimiterConfig{MaxRequests: 1, Window: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.Schedule(ctx, "a", func(ctx context.Context) error { return nil }))
	require.NoError(t, l.Schedule(ctx, "b", func(ctx context.Context) error { return nil }))
}

func TestRateLimiterSlotFreesOverTime(t *testing.T) {
	l, err := NewRateLimiter(RateLimiterConfig{
		MaxRequests:  1,
		Window:       50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.Schedule(ctx, "k", func(ctx context.Context) error { return nil }))

	start := time.Now()
	require.NoError(t, l.Schedule(ctx, "k", func(ctx context.Context) error { return nil }))
	assert.Greater(t, time.Since(start), 20*time.Millisecond)
}

func TestRateLimiterPropagatesFnError(t *testing.T) {
	l, err := NewRateLimiter(RateLimiterConfig{MaxRequests: 1, Window: time.Minute})
	require.NoError(t, err)

	boom := errors.New("fn failed")
	err = l.Schedule(context.Background(), "k", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

// failingStore simulates a shared store outage on every call.
type failingStore struct{ calls atomic.Int64 }

func (s *failingStore) Take(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	s.calls.Add(1)
	return false, errors.New("redis: connection refused")
}

func TestRateLimiterFallsBackToMemory(t *testing.T) {
	store := &failingStore{}
	l, err := NewRateLimiter(RateLimiterConfig{
		MaxRequests: 2,
		Window:      time.Minute,
		Store:       store,
	})
	require.NoError(t, err)

	var calls int
	require.NoError(t, l.Schedule(context.Background(), "k", func(ctx context.Context) error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
	assert.Positive(t, store.calls.Load())
}

func TestRateLimiterConfigValidation(t *testing.T) {
	_, err := NewRateLimiter(RateLimiterConfig{})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}
