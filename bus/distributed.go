package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/agentmesh/core"
)

const (
	// DefaultChannelPrefix namespaces all bus channels and registry keys.
	DefaultChannelPrefix = "msgbus"

	broadcastChannel = "broadcast"
	registryKey      = "agents:global"
)

func agentChannel(agentID string) string     { return "agent:" + agentID }
func responseChannel(instance string) string { return "response:" + instance }

// DistributedConfig assembles a DistributedBus.
type DistributedConfig struct {
	// Redis must be namespaced with the channel prefix (DefaultChannelPrefix
	// unless the deployment overrides it).
	Redis *core.RedisClient

	// InstanceID uniquely identifies this replica. Generated when empty.
	InstanceID string

	Logger core.Logger
}

var _ Bus = (*DistributedBus)(nil)

// DistributedBus routes messages across replicas over Redis pub/sub. Each
// replica subscribes to one channel per hosted agent, the shared broadcast
// channel, and a per-instance response channel that carries Response and
// Error messages back to the replica that issued the request.
type DistributedBus struct {
	redis      *core.RedisClient
	instanceID string
	logger     core.Logger
	counters   busCounters
	tracker    *requestTracker

	mu     sync.RWMutex
	agents map[string]map[MessageType]Handler
	down   bool

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDistributedBus connects the bus to Redis and starts the receive loop.
func NewDistributedBus(cfg DistributedConfig) (*DistributedBus, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("distributed bus requires a redis client: %w", core.ErrInvalidConfiguration)
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = core.NewInstanceID()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &DistributedBus{
		redis:      cfg.Redis,
		instanceID: instanceID,
		logger:     core.EnsureLogger(cfg.Logger),
		tracker:    newRequestTracker(),
		agents:     make(map[string]map[MessageType]Handler),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	b.pubsub = cfg.Redis.Subscribe(loopCtx, broadcastChannel, responseChannel(instanceID))
	go b.receiveLoop(loopCtx)

	b.logger.Info("Distributed bus started", map[string]interface{}{
		"instance_id": instanceID,
	})
	return b, nil
}

// InstanceID returns this replica's unique id.
func (b *DistributedBus) InstanceID() string { return b.instanceID }

// RegisterAgent subscribes the agent's channel and adds the id to the
// cluster-wide registry. Idempotent.
func (b *DistributedBus) RegisterAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("empty agent id: %w", core.ErrInvalidConfiguration)
	}
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return core.ErrBusShuttingDown
	}
	_, exists := b.agents[agentID]
	if !exists {
		b.agents[agentID] = make(map[MessageType]Handler)
	}
	b.mu.Unlock()
	if exists {
		return nil
	}

	if err := b.pubsub.Subscribe(ctx, b.redis.Key(agentChannel(agentID))); err != nil {
		return fmt.Errorf("subscribing agent channel for %q: %w", agentID, err)
	}
	if err := b.redis.SAdd(ctx, registryKey, agentID); err != nil {
		b.logger.Warn("Failed to add agent to global registry", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
	}
	return nil
}

// UnregisterAgent unsubscribes the agent and removes it from the registry.
func (b *DistributedBus) UnregisterAgent(ctx context.Context, agentID string) error {
	b.mu.Lock()
	if _, ok := b.agents[agentID]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("agent %q: %w", agentID, core.ErrAgentNotRegistered)
	}
	delete(b.agents, agentID)
	b.mu.Unlock()

	if err := b.pubsub.Unsubscribe(ctx, b.redis.Key(agentChannel(agentID))); err != nil {
		b.logger.Warn("Failed to unsubscribe agent channel", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
	}
	if err := b.redis.SRem(ctx, registryKey, agentID); err != nil {
		b.logger.Warn("Failed to remove agent from global registry", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
	}
	return nil
}

// RegisterHandler installs a handler, auto-registering the agent.
func (b *DistributedBus) RegisterHandler(ctx context.Context, agentID string, msgType MessageType, handler Handler) error {
	if err := b.RegisterAgent(ctx, agentID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[agentID][msgType] = handler
	return nil
}

// Send routes a message. Locally hosted recipients dispatch in-process;
// remote recipients go over their agent channel. Broadcasts publish once
// and reach local agents through this replica's own subscription.
func (b *DistributedBus) Send(ctx context.Context, msg *Message) (string, error) {
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
		return msg.ID, nil
	}

	switch msg.Type {
	case TypeBroadcast:
		return msg.ID, b.publish(ctx, broadcastChannel, msg)
	case TypeResponse, TypeError:
		origin, _ := msg.Metadata["sourceInstance"].(string)
		if origin == "" || origin == b.instanceID {
			b.completeLocal(msg)
			return msg.ID, nil
		}
		return msg.ID, b.publish(ctx, responseChannel(origin), msg)
	}

	for _, recipient := range msg.To {
		if err := b.route(ctx, recipient, msg); err != nil {
			return msg.ID, err
		}
	}
	return msg.ID, nil
}

// Request sends a request and waits for the correlated response, which may
// arrive from another replica via this instance's response channel.
func (b *DistributedBus) Request(ctx context.Context, from, to string, payload interface{}, timeout time.Duration) (interface{}, error) {
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

// RegisteredAgents returns the cluster-wide registry, falling back to the
// local agent set when the registry read fails.
func (b *DistributedBus) RegisteredAgents(ctx context.Context) ([]string, error) {
	ids, err := b.redis.SMembers(ctx, registryKey)
	if err == nil {
		return ids, nil
	}
	b.logger.Warn("Registry read failed, falling back to local agents", map[string]interface{}{
		"error": err.Error(),
	})
	b.mu.RLock()
	defer b.mu.RUnlock()
	local := make([]string, 0, len(b.agents))
	for id := range b.agents {
		local = append(local, id)
	}
	return local, nil
}

// Metrics returns delivery counters. Queue depths are a local bus concept
// and stay empty here.
func (b *DistributedBus) Metrics() Metrics {
	m := b.counters.snapshot()
	m.QueueSizes = map[string]int{}
	return m
}

// Shutdown rejects pending requests, removes this replica's agents from
// the registry, and stops the receive loop.
func (b *DistributedBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return core.ErrAlreadyShutdown
	}
	b.down = true
	agents := make([]string, 0, len(b.agents))
	for id := range b.agents {
		agents = append(agents, id)
	}
	b.agents = make(map[string]map[MessageType]Handler)
	b.mu.Unlock()

	b.tracker.shutdown()
	for _, id := range agents {
		if err := b.redis.SRem(ctx, registryKey, id); err != nil {
			b.logger.Warn("Failed to deregister agent during shutdown", map[string]interface{}{
				"agent_id": id,
				"error":    err.Error(),
			})
		}
	}

	b.cancel()
	if err := b.pubsub.Close(); err != nil {
		return err
	}
	<-b.done
	return nil
}

// route delivers to a locally hosted agent directly, otherwise publishes
// to the recipient's agent channel.
func (b *DistributedBus) route(ctx context.Context, recipient string, msg *Message) error {
	b.mu.RLock()
	_, local := b.agents[recipient]
	b.mu.RUnlock()

	if local {
		b.dispatch(ctx, recipient, msg, b.instanceID)
		return nil
	}
	return b.publish(ctx, agentChannel(recipient), msg)
}

func (b *DistributedBus) publish(ctx context.Context, channel string, msg *Message) error {
	data, err := json.Marshal(envelope{Message: msg, SourceInstance: b.instanceID})
	if err != nil {
		b.counters.failed.Add(1)
		return fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}
	if err := b.redis.Publish(ctx, channel, data); err != nil {
		b.counters.failed.Add(1)
		return fmt.Errorf("publishing message %s: %w", msg.ID, err)
	}
	return nil
}

// receiveLoop consumes the replica's subscriptions until shutdown.
func (b *DistributedBus) receiveLoop(ctx context.Context) {
	defer close(b.done)
	responseCh := b.redis.Key(responseChannel(b.instanceID))
	broadcastCh := b.redis.Key(broadcastChannel)
	agentPrefix := b.redis.Key(agentChannel(""))

	for raw := range b.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
			b.counters.failed.Add(1)
			b.logger.Warn("Dropping undecodable bus message", map[string]interface{}{
				"channel": raw.Channel,
				"error":   err.Error(),
			})
			continue
		}
		if err := env.Message.Validate(); err != nil {
			b.counters.failed.Add(1)
			b.logger.Warn("Dropping message failing boundary validation", map[string]interface{}{
				"channel": raw.Channel,
				"error":   err.Error(),
			})
			continue
		}
		msg := env.Message
		if msg.Expired(time.Now()) {
			b.counters.expired.Add(1)
			continue
		}

		switch {
		case raw.Channel == responseCh:
			b.completeLocal(msg)
		case raw.Channel == broadcastCh:
			b.deliverBroadcast(ctx, msg, env.SourceInstance)
		case strings.HasPrefix(raw.Channel, agentPrefix):
			agentID := strings.TrimPrefix(raw.Channel, agentPrefix)
			b.dispatch(ctx, agentID, msg, env.SourceInstance)
		}
	}
}

// completeLocal resolves a pending request from an inbound Response or
// Error. Late arrivals for removed correlation ids are dropped.
func (b *DistributedBus) completeLocal(msg *Message) {
	var completed bool
	if msg.Type == TypeError {
		completed = b.tracker.complete(msg.CorrelationID, nil, &RemoteError{Message: errorText(msg.Payload)})
	} else {
		completed = b.tracker.complete(msg.CorrelationID, msg.Payload, nil)
	}
	if !completed {
		b.logger.Debug("Dropping late response", map[string]interface{}{
			"message_id":     msg.ID,
			"correlation_id": msg.CorrelationID,
		})
		return
	}
	b.counters.delivered.Add(1)
}

// deliverBroadcast fans a broadcast out to every local agent except the
// sender.
func (b *DistributedBus) deliverBroadcast(ctx context.Context, msg *Message, source string) {
	b.mu.RLock()
	recipients := make([]string, 0, len(b.agents))
	for id := range b.agents {
		if id != msg.From {
			recipients = append(recipients, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range recipients {
		b.dispatch(ctx, id, msg, source)
	}
}

// dispatch invokes the local handler for one agent asynchronously. For
// requests, the handler's result (or a sanitized error) is sent back to the
// issuing instance's response channel.
func (b *DistributedBus) dispatch(ctx context.Context, agentID string, msg *Message, source string) {
	b.mu.RLock()
	handlers, ok := b.agents[agentID]
	var handler Handler
	if ok {
		handler = handlers[msg.Type]
	}
	b.mu.RUnlock()

	isRequest := msg.Type == TypeRequest && msg.CorrelationID != ""

	if !ok || handler == nil {
		b.counters.failed.Add(1)
		if isRequest {
			var cause error = core.ErrNoHandler
			if !ok {
				cause = core.ErrUnknownAgent
			}
			b.respondError(ctx, agentID, msg, source, cause)
		} else {
			b.logger.Warn("No handler for inbound message, dropping", map[string]interface{}{
				"agent_id":   agentID,
				"message_id": msg.ID,
				"type":       string(msg.Type),
			})
		}
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.counters.failed.Add(1)
				b.logger.Error("Bus handler panicked", map[string]interface{}{
					"agent_id":   agentID,
					"message_id": msg.ID,
					"panic":      fmt.Sprintf("%v", r),
					"stack":      string(debug.Stack()),
				})
				if isRequest {
					b.respondError(ctx, agentID, msg, source, fmt.Errorf("handler panic"))
				}
			}
		}()

		value, err := handler(ctx, msg)
		if err != nil {
			b.counters.failed.Add(1)
			if isRequest {
				b.respondError(ctx, agentID, msg, source, err)
			}
			return
		}
		b.counters.delivered.Add(1)
		if isRequest {
			b.respond(ctx, &Message{
				Type:          TypeResponse,
				From:          agentID,
				To:            Recipients{msg.From},
				Payload:       value,
				CorrelationID: msg.CorrelationID,
			}, source)
		}
	}()
}

func (b *DistributedBus) respondError(ctx context.Context, agentID string, msg *Message, source string, cause error) {
	b.respond(ctx, &Message{
		Type:          TypeError,
		From:          agentID,
		To:            Recipients{msg.From},
		Payload:       map[string]interface{}{"error": sanitizeError(cause)},
		CorrelationID: msg.CorrelationID,
	}, source)
}

// respond routes a Response or Error back to the issuing instance. When
// the request originated on this replica, the pending entry completes
// directly without a network round trip.
func (b *DistributedBus) respond(ctx context.Context, msg *Message, source string) {
	msg.normalize()
	if source == "" || source == b.instanceID {
		b.completeLocal(msg)
		return
	}
	if err := b.publish(ctx, responseChannel(source), msg); err != nil {
		b.logger.Warn("Failed to publish response", map[string]interface{}{
			"message_id":     msg.ID,
			"correlation_id": msg.CorrelationID,
			"error":          err.Error(),
		})
	}
}

// errorText extracts the sanitized error string from an Error payload.
func errorText(payload interface{}) string {
	if m, ok := payload.(map[string]interface{}); ok {
		if s, ok := m["error"].(string); ok {
			return s
		}
	}
	if s, ok := payload.(string); ok {
		return s
	}
	return "Request processing failed"
}
