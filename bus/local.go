package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// RemoteError is a sanitized handler failure delivered to a requester in
// place of the handler's internal error.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

var _ Bus = (*LocalBus)(nil)

// LocalBus routes messages between agents inside one process. Handler
// invocations run concurrently; each message is dispatched to a handler at
// most once.
type LocalBus struct {
	logger   core.Logger
	counters busCounters
	tracker  *requestTracker

	mu       sync.RWMutex
	agents   map[string]map[MessageType]Handler
	inflight map[string]*atomic.Int64
	down     bool
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(logger core.Logger) *LocalBus {
	return &LocalBus{
		logger:   core.EnsureLogger(logger),
		tracker:  newRequestTracker(),
		agents:   make(map[string]map[MessageType]Handler),
		inflight: make(map[string]*atomic.Int64),
	}
}

// RegisterAgent makes an agent addressable. Idempotent.
func (b *LocalBus) RegisterAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("empty agent id: %w", core.ErrInvalidConfiguration)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return core.ErrBusShuttingDown
	}
	if _, ok := b.agents[agentID]; !ok {
		b.agents[agentID] = make(map[MessageType]Handler)
		b.inflight[agentID] = &atomic.Int64{}
	}
	return nil
}

// UnregisterAgent removes an agent; subsequent sends to it fail.
func (b *LocalBus) UnregisterAgent(ctx context.Context, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.agents[agentID]; !ok {
		return fmt.Errorf("agent %q: %w", agentID, core.ErrAgentNotRegistered)
	}
	delete(b.agents, agentID)
	delete(b.inflight, agentID)
	return nil
}

// RegisterHandler installs a handler for one message type, auto-registering
// the agent if unknown.
func (b *LocalBus) RegisterHandler(ctx context.Context, agentID string, msgType MessageType, handler Handler) error {
	if err := b.RegisterAgent(ctx, agentID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[agentID][msgType] = handler
	return nil
}

// Send routes a message: broadcast to every agent but the sender, a list
// recipient to each member, a single recipient directly.
func (b *LocalBus) Send(ctx context.Context, msg *Message) (string, error) {
	b.mu.RLock()
	down := b.down
	b.mu.RUnlock()
	if down {
		return "", core.ErrBusShuttingDown
	}

	msg.normalize()
	if err := msg.Validate(); err != nil {
		return "", err
	}
	b.counters.sent.Add(1)

	if msg.Expired(time.Now()) {
		b.counters.expired.Add(1)
		b.logger.Warn("Dropping expired message", map[string]interface{}{
			"message_id": msg.ID,
			"ttl_ms":     msg.TTLMs,
		})
		return msg.ID, nil
	}

	if msg.Type == TypeBroadcast {
		b.broadcast(ctx, msg)
		return msg.ID, nil
	}

	for _, recipient := range msg.To {
		if err := b.deliver(ctx, recipient, msg); err != nil {
			return msg.ID, err
		}
	}
	return msg.ID, nil
}

// Request sends a request and waits for the correlated response.
func (b *LocalBus) Request(ctx context.Context, from, to string, payload interface{}, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	correlationID := core.NewID()
	ch, err := b.tracker.add(correlationID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Type:          TypeRequest,
		From:          from,
		To:            Recipients{to},
		Payload:       payload,
		CorrelationID: correlationID,
	}
	if _, err := b.Send(ctx, msg); err != nil {
		b.tracker.remove(correlationID)
		return nil, err
	}
	return b.tracker.await(ctx, correlationID, ch, timeout)
}

// RegisteredAgents lists locally registered agent ids.
func (b *LocalBus) RegisteredAgents(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.agents))
	for id := range b.agents {
		ids = append(ids, id)
	}
	return ids, nil
}

// Metrics returns delivery counters and per-agent in-flight depth.
func (b *LocalBus) Metrics() Metrics {
	m := b.counters.snapshot()
	m.QueueSizes = make(map[string]int)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, depth := range b.inflight {
		m.QueueSizes[id] = int(depth.Load())
	}
	return m
}

// Shutdown rejects pending requests and removes all agents.
func (b *LocalBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return core.ErrAlreadyShutdown
	}
	b.down = true
	b.agents = make(map[string]map[MessageType]Handler)
	b.inflight = make(map[string]*atomic.Int64)
	b.mu.Unlock()

	b.tracker.shutdown()
	return nil
}

func (b *LocalBus) broadcast(ctx context.Context, msg *Message) {
	b.mu.RLock()
	recipients := make([]string, 0, len(b.agents))
	for id := range b.agents {
		if id != msg.From {
			recipients = append(recipients, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range recipients {
		// Broadcast is best-effort; an unregistered race is not an error.
		_ = b.deliver(ctx, id, msg)
	}
}

// deliver dispatches the message to one agent's handler asynchronously.
func (b *LocalBus) deliver(ctx context.Context, agentID string, msg *Message) error {
	b.mu.RLock()
	handlers, ok := b.agents[agentID]
	var handler Handler
	if ok {
		handler = handlers[msg.Type]
	}
	depth := b.inflight[agentID]
	b.mu.RUnlock()

	if !ok {
		b.counters.failed.Add(1)
		return fmt.Errorf("agent %q: %w", agentID, core.ErrUnknownAgent)
	}

	if depth != nil {
		depth.Add(1)
	}
	go func() {
		defer func() {
			if depth != nil {
				depth.Add(-1)
			}
			if r := recover(); r != nil {
				b.counters.failed.Add(1)
				b.logger.Error("Bus handler panicked", map[string]interface{}{
					"agent_id":   agentID,
					"message_id": msg.ID,
					"panic":      fmt.Sprintf("%v", r),
					"stack":      string(debug.Stack()),
				})
			}
		}()
		b.dispatch(ctx, agentID, handler, msg)
	}()
	return nil
}

// dispatch invokes the handler and, for requests, completes the pending
// correlation entry with the handler's result or a sanitized error.
func (b *LocalBus) dispatch(ctx context.Context, agentID string, handler Handler, msg *Message) {
	isRequest := msg.Type == TypeRequest && msg.CorrelationID != ""

	if handler == nil {
		b.counters.failed.Add(1)
		if isRequest {
			b.tracker.complete(msg.CorrelationID, nil, &RemoteError{Message: sanitizeError(core.ErrNoHandler)})
		} else {
			b.logger.Warn("No handler for message type, dropping", map[string]interface{}{
				"agent_id":   agentID,
				"message_id": msg.ID,
				"type":       string(msg.Type),
			})
		}
		return
	}

	value, err := handler(ctx, msg)
	if err != nil {
		b.counters.failed.Add(1)
		if isRequest {
			b.tracker.complete(msg.CorrelationID, nil, &RemoteError{Message: sanitizeError(err)})
		} else {
			b.logger.Warn("Handler failed for non-request message", map[string]interface{}{
				"agent_id":   agentID,
				"message_id": msg.ID,
				"error":      err.Error(),
			})
		}
		return
	}

	b.counters.delivered.Add(1)
	if isRequest {
		b.tracker.complete(msg.CorrelationID, value, nil)
	}
}
