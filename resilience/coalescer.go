package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// Coalescer defaults.
const (
	DefaultCoalesceWindow = 5 * time.Second
	DefaultMaxCoalesced   = 10
)

// CoalescerConfig configures a Coalescer.
type CoalescerConfig struct {
	// Window bounds how old an in-flight record may be for new callers to
	// join it.
	Window time.Duration

	// MaxCoalesced bounds how many callers may share one record.
	MaxCoalesced int

	Logger core.Logger
}

// flight is one in-flight execution and the outcome its joiners share.
type flight struct {
	done    chan struct{}
	value   interface{}
	err     error
	started time.Time
	count   int
}

// Coalescer deduplicates identical in-flight requests: callers presenting
// the same hash within the window share a single execution and observe
// the same outcome.
type Coalescer struct {
	window time.Duration
	max    int
	logger core.Logger

	mu       sync.Mutex
	inflight map[string]*flight
}

// NewCoalescer creates a coalescer. Zero config values select defaults.
func NewCoalescer(cfg CoalescerConfig) *Coalescer {
	window := cfg.Window
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	max := cfg.MaxCoalesced
	if max <= 0 {
		max = DefaultMaxCoalesced
	}
	return &Coalescer{
		window:   window,
		max:      max,
		logger:   core.EnsureLogger(cfg.Logger),
		inflight: make(map[string]*flight),
	}
}

// Hash produces the stable request key: SHA-256 over the canonical JSON
// encoding (json.Marshal sorts map keys).
func Hash(request interface{}) (string, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("hashing request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Do executes fn under the hash key, or joins an existing in-flight
// execution when one is young enough and under the coalesce cap. The
// returned bool reports whether the caller shared another caller's
// execution.
func (c *Coalescer) Do(ctx context.Context, hash string, fn func(ctx context.Context) (interface{}, error)) (interface{}, bool, error) {
	c.mu.Lock()
	existing, ok := c.inflight[hash]
	if ok && time.Since(existing.started) < c.window && existing.count < c.max {
		existing.count++
		c.mu.Unlock()

		select {
		case <-existing.done:
			return existing.value, true, existing.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{}), started: time.Now(), count: 1}
	c.inflight[hash] = f
	c.mu.Unlock()

	f.value, f.err = fn(ctx)

	c.mu.Lock()
	// A newer flight may have replaced this one after the window closed;
	// only remove our own record.
	if c.inflight[hash] == f {
		delete(c.inflight, hash)
	}
	c.mu.Unlock()

	close(f.done)
	return f.value, false, f.err
}

// InFlight returns how many distinct requests are currently executing.
func (c *Coalescer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
