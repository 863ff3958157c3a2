package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
)

var errBoom = errors.New("boom")

func newBreaker(t *testing.T, threshold int, window, reset time.Duration) *CircuitBreaker {
	t.Helper()
	b, err := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Window:           window,
		ResetTimeout:     reset,
	})
	require.NoError(t, err)
	return b
}

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newBreaker(t, 3, time.Minute, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, "p", fail), errBoom)
	}
	assert.Equal(t, StateOpen, b.State("p"))

	// Next call fails fast without invoking fn.
	called := false
	err := b.Execute(ctx, "p", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	b := newBreaker(t, 1, time.Minute, time.Minute)
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, "a", fail), errBoom)
	assert.Equal(t, StateOpen, b.State("a"))
	assert.NoError(t, b.Execute(ctx, "b", succeed))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := newBreaker(t, 1, time.Minute, 30*time.Millisecond)
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, "p", fail), errBoom)
	require.Equal(t, StateOpen, b.State("p"))

	time.Sleep(50 * time.Millisecond)

	t.Run("successful probe closes", func(t *testing.T) {
		assert.NoError(t, b.Execute(ctx, "p", succeed))
		assert.Equal(t, StateClosed, b.State("p"))
	})

	t.Run("failed probe re-opens and timer restarts", func(t *testing.T) {
		require.ErrorIs(t, b.Execute(ctx, "p", fail), errBoom)
		time.Sleep(50 * time.Millisecond)
		require.ErrorIs(t, b.Execute(ctx, "p", fail), errBoom)
		assert.Equal(t, StateOpen, b.State("p"))
		assert.ErrorIs(t, b.Execute(ctx, "p", succeed), core.ErrCircuitBreakerOpen)
	})
}

func TestBreakerSingleProbeSerialized(t *testing.T) {
	b := newBreaker(t, 1, time.Minute, 10*time.Millisecond)
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, "p", fail), errBoom)
	time.Sleep(20 * time.Millisecond)

	probeRunning := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, "p", func(ctx context.Context) error {
			close(probeRunning)
			<-release
			return nil
		})
	}()

	<-probeRunning
	// While the probe is in flight, other callers are refused.
	err := b.Execute(ctx, "p", succeed)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	close(release)
}

func TestBreakerWindowResetsFailureCount(t *testing.T) {
	b := newBreaker(t, 2, 30*time.Millisecond, time.Minute)
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, "p", fail), errBoom)
	time.Sleep(50 * time.Millisecond)
	// The earlier failure aged out of the window, so one more failure does
	// not trip the circuit.
	require.ErrorIs(t, b.Execute(ctx, "p", fail), errBoom)
	assert.Equal(t, StateClosed, b.State("p"))
}

func TestBreakerConfigValidation(t *testing.T) {
	_, err := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}
