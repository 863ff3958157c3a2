package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// DefaultRequestTimeout bounds Request when the caller passes no timeout.
const DefaultRequestTimeout = 30 * time.Second

// Handler processes one inbound message for an agent and returns the value
// sent back when the message was a request.
type Handler func(ctx context.Context, msg *Message) (interface{}, error)

// Bus routes messages between agents. Implementations: LocalBus for a
// single process, DistributedBus for a Redis-connected cluster.
type Bus interface {
	// RegisterAgent makes an agent addressable. Idempotent.
	RegisterAgent(ctx context.Context, agentID string) error

	// UnregisterAgent removes an agent and its handlers.
	UnregisterAgent(ctx context.Context, agentID string) error

	// RegisterHandler installs a handler for one message type,
	// auto-registering the agent if unknown.
	RegisterHandler(ctx context.Context, agentID string, msgType MessageType, handler Handler) error

	// Send assigns the message an id and timestamp and routes it.
	// Returns the assigned message id.
	Send(ctx context.Context, msg *Message) (string, error)

	// Request sends a request to an agent and waits for the matching
	// response, failing with core.ErrRequestTimeout when none arrives.
	Request(ctx context.Context, from, to string, payload interface{}, timeout time.Duration) (interface{}, error)

	// RegisteredAgents lists addressable agents. For the distributed bus
	// this is the cluster-wide registry.
	RegisteredAgents(ctx context.Context) ([]string, error)

	// Metrics returns delivery counters.
	Metrics() Metrics

	// Shutdown rejects pending requests, clears subscriptions, and
	// disconnects transports.
	Shutdown(ctx context.Context) error
}

// Metrics are monotonically increasing delivery counters plus a snapshot
// of per-agent in-flight dispatch depth (local bus only).
type Metrics struct {
	Sent       uint64
	Delivered  uint64
	Failed     uint64
	Expired    uint64
	QueueSizes map[string]int
}

type busCounters struct {
	sent      atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	expired   atomic.Uint64
}

func (c *busCounters) snapshot() Metrics {
	return Metrics{
		Sent:      c.sent.Load(),
		Delivered: c.delivered.Load(),
		Failed:    c.failed.Load(),
		Expired:   c.expired.Load(),
	}
}

// requestOutcome is the terminal result a pending request observes.
type requestOutcome struct {
	value interface{}
	err   error
}

// requestTracker maps correlation ids to waiting callers. Every tracked
// request observes exactly one outcome: response, error, timeout, or
// shutdown. Late completions for removed entries are dropped.
type requestTracker struct {
	mu      sync.Mutex
	pending map[string]chan requestOutcome
	closed  bool
}

func newRequestTracker() *requestTracker {
	return &requestTracker{pending: make(map[string]chan requestOutcome)}
}

// add registers a correlation id and returns the channel its outcome will
// arrive on.
func (t *requestTracker) add(correlationID string) (<-chan requestOutcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, core.ErrBusShuttingDown
	}
	ch := make(chan requestOutcome, 1)
	t.pending[correlationID] = ch
	return ch, nil
}

// complete resolves a pending request. Returns false when the correlation
// id is unknown (already timed out or completed).
func (t *requestTracker) complete(correlationID string, value interface{}, err error) bool {
	t.mu.Lock()
	ch, ok := t.pending[correlationID]
	if ok {
		delete(t.pending, correlationID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- requestOutcome{value: value, err: err}
	return true
}

// remove drops a pending entry without resolving it; used on timeout.
func (t *requestTracker) remove(correlationID string) {
	t.mu.Lock()
	delete(t.pending, correlationID)
	t.mu.Unlock()
}

// shutdown rejects every pending request and refuses new ones.
func (t *requestTracker) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.pending {
		ch <- requestOutcome{err: core.ErrBusShuttingDown}
		delete(t.pending, id)
	}
}

// await blocks until the outcome arrives, the timeout fires, or ctx ends.
func (t *requestTracker) await(ctx context.Context, correlationID string, ch <-chan requestOutcome, timeout time.Duration) (interface{}, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case outcome := <-ch:
		return outcome.value, outcome.err
	case <-timer.C:
		t.remove(correlationID)
		return nil, core.ErrRequestTimeout
	case <-ctx.Done():
		t.remove(correlationID)
		return nil, ctx.Err()
	}
}

// sanitizeError maps handler errors to texts safe to return to remote
// callers. Only known-safe categories pass through verbatim; everything
// else collapses to a generic message so internals never leak.
func sanitizeError(err error) string {
	switch {
	case errors.Is(err, core.ErrRequestTimeout),
		errors.Is(err, core.ErrTimeout),
		errors.Is(err, core.ErrNoHandler),
		errors.Is(err, core.ErrUnknownAgent),
		errors.Is(err, core.ErrBusShuttingDown):
		return err.Error()
	default:
		return "Request processing failed"
	}
}
