package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// CircuitState is the per-key breaker state.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold opens the circuit when reached within Window.
	FailureThreshold int
	Window           time.Duration

	// ResetTimeout is how long an open circuit refuses calls before
	// admitting a single half-open probe.
	ResetTimeout time.Duration

	Logger core.Logger
}

// CircuitBreaker gates calls per key. Failures within the rolling window
// trip the circuit; after the reset timeout exactly one probe is admitted,
// and its outcome closes or re-opens the circuit.
type CircuitBreaker struct {
	threshold int
	window    time.Duration
	reset     time.Duration
	logger    core.Logger

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	state       CircuitState
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probing     bool
}

// NewCircuitBreaker creates a breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, error) {
	if cfg.FailureThreshold <= 0 || cfg.Window <= 0 || cfg.ResetTimeout <= 0 {
		return nil, fmt.Errorf("circuit breaker needs positive threshold, window, and reset timeout: %w", core.ErrInvalidConfiguration)
	}
	return &CircuitBreaker{
		threshold: cfg.FailureThreshold,
		window:    cfg.Window,
		reset:     cfg.ResetTimeout,
		logger:    core.EnsureLogger(cfg.Logger),
		circuits:  make(map[string]*circuit),
	}, nil
}

// State returns the current state for a key.
func (b *CircuitBreaker) State(key string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Execute runs fn under the key's circuit, failing fast with
// core.ErrCircuitBreakerOpen when the circuit refuses the call.
func (b *CircuitBreaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	probe, err := b.admit(key)
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(key, probe, callErr == nil)
	return callErr
}

// admit decides whether a call may proceed, reporting whether it is the
// half-open probe.
func (b *CircuitBreaker) admit(key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed, windowStart: time.Now()}
		b.circuits[key] = c
	}

	now := time.Now()
	switch c.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if now.Sub(c.openedAt) < b.reset {
			return false, fmt.Errorf("circuit %q: %w", key, core.ErrCircuitBreakerOpen)
		}
		c.state = StateHalfOpen
		c.probing = true
		b.logger.Info("Circuit half-open, admitting probe", map[string]interface{}{"key": key})
		return true, nil
	default: // StateHalfOpen
		if c.probing {
			return false, fmt.Errorf("circuit %q: %w", key, core.ErrCircuitBreakerOpen)
		}
		c.probing = true
		return true, nil
	}
}

// record applies a call outcome to the key's circuit.
func (b *CircuitBreaker) record(key string, probe, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	now := time.Now()

	if probe || c.state == StateHalfOpen {
		c.probing = false
		if success {
			c.state = StateClosed
			c.failures = 0
			c.windowStart = now
			b.logger.Info("Circuit closed after successful probe", map[string]interface{}{"key": key})
		} else {
			c.state = StateOpen
			c.openedAt = now
			b.logger.Warn("Circuit re-opened after failed probe", map[string]interface{}{"key": key})
		}
		return
	}

	if success {
		return
	}

	// Failures accumulate inside the rolling window.
	if now.Sub(c.windowStart) > b.window {
		c.windowStart = now
		c.failures = 0
	}
	c.failures++
	if c.failures >= b.threshold && c.state == StateClosed {
		c.state = StateOpen
		c.openedAt = now
		b.logger.Warn("Circuit opened", map[string]interface{}{
			"key":      key,
			"failures": c.failures,
		})
	}
}
