// Package stream delivers plan progress to clients: a per-plan bounded
// event log with replay, and an SSE endpoint with subscriber quotas and
// backpressure-safe keep-alive queuing.
package stream

import (
	"reflect"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// DefaultHistorySize bounds the per-plan event ring.
const DefaultHistorySize = 256

// StepState is the externally visible state of one plan step.
type StepState string

const (
	StepQueued          StepState = "queued"
	StepRunning         StepState = "running"
	StepWaitingApproval StepState = "waiting_approval"
	StepCompleted       StepState = "completed"
	StepSkipped         StepState = "skipped"
	StepFailed          StepState = "failed"
	StepDeadLettered    StepState = "dead_lettered"
	StepRejected        StepState = "rejected"
)

// StepSnapshot is the step portion of a plan event.
type StepSnapshot struct {
	ID               string      `json:"id"`
	Action           string      `json:"action,omitempty"`
	Tool             string      `json:"tool,omitempty"`
	State            StepState   `json:"state"`
	Capability       string      `json:"capability,omitempty"`
	Labels           []string    `json:"labels,omitempty"`
	TimeoutSeconds   int         `json:"timeoutSeconds,omitempty"`
	ApprovalRequired bool        `json:"approvalRequired,omitempty"`
	Attempt          int         `json:"attempt,omitempty"`
	Summary          string      `json:"summary,omitempty"`
	Output           interface{} `json:"output,omitempty"`
	Approvals        []string    `json:"approvals,omitempty"`
}

// PlanEvent is one entry in a plan's event stream.
type PlanEvent struct {
	PlanID     string       `json:"planId"`
	TraceID    string       `json:"traceId,omitempty"`
	RequestID  string       `json:"requestId,omitempty"`
	OccurredAt time.Time    `json:"occurredAt"`
	Step       StepSnapshot `json:"step"`
}

// sameAs reports whether republishing e after last would be a no-op: same
// step with identical state, summary, output, and timestamp.
func (e *PlanEvent) sameAs(last *PlanEvent) bool {
	return e.Step.ID == last.Step.ID &&
		e.Step.State == last.Step.State &&
		e.Step.Summary == last.Step.Summary &&
		e.OccurredAt.Equal(last.OccurredAt) &&
		reflect.DeepEqual(e.Step.Output, last.Step.Output)
}

// planLog is the per-plan ring plus its current subscribers. Sinks are
// invoked under the log's mutex so delivery order matches ring order and
// subscription is atomic with respect to Publish.
type planLog struct {
	ring       []PlanEvent
	lastByStep map[string]PlanEvent
	subs       map[int]func(PlanEvent)
	nextSub    int
}

// EventLog stores the last N events per plan and fans new events out to
// subscribers. Publishing an event identical to the last one emitted for
// the same (plan, step) is a no-op.
type EventLog struct {
	size   int
	logger core.Logger

	mu    sync.Mutex
	plans map[string]*planLog
}

// NewEventLog creates a log. size <= 0 selects DefaultHistorySize.
func NewEventLog(size int, logger core.Logger) *EventLog {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &EventLog{
		size:   size,
		logger: core.EnsureLogger(logger),
		plans:  make(map[string]*planLog),
	}
}

// Publish appends the event and fans it out. Returns false when the event
// was deduplicated.
func (l *EventLog) Publish(event PlanEvent) bool {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	pl := l.planLocked(event.PlanID)

	if last, ok := pl.lastByStep[event.Step.ID]; ok && event.sameAs(&last) {
		return false
	}
	pl.lastByStep[event.Step.ID] = event

	pl.ring = append(pl.ring, event)
	if len(pl.ring) > l.size {
		pl.ring = pl.ring[len(pl.ring)-l.size:]
	}

	for _, sink := range pl.subs {
		sink(event)
	}
	return true
}

// planLocked returns the plan's log, creating it on first use. Callers
// hold l.mu.
func (l *EventLog) planLocked(planID string) *planLog {
	pl, ok := l.plans[planID]
	if !ok {
		pl = &planLog{
			lastByStep: make(map[string]PlanEvent),
			subs:       make(map[int]func(PlanEvent)),
		}
		l.plans[planID] = pl
	}
	return pl
}

// History returns a copy of the plan's current event window, oldest first.
func (l *EventLog) History(planID string) []PlanEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl, ok := l.plans[planID]
	if !ok {
		return nil
	}
	return append([]PlanEvent(nil), pl.ring...)
}

// Subscribe returns a channel carrying events published after the call,
// plus a cancel function. Delivery is best effort: an event is dropped
// when the channel buffer is full. Consumers that cannot afford drops use
// SubscribeWithHistory instead.
func (l *EventLog) Subscribe(planID string) (<-chan PlanEvent, func()) {
	ch := make(chan PlanEvent, l.size)
	_, cancel := l.SubscribeWithHistory(planID, func(event PlanEvent) {
		select {
		case ch <- event:
		default:
			l.logger.Warn("Subscriber queue full, dropping plan event", map[string]interface{}{
				"plan_id": event.PlanID,
				"step_id": event.Step.ID,
			})
		}
	})
	return ch, cancel
}

// SubscribeWithHistory registers a sink and returns the plan's current
// event window, oldest first. The snapshot and the registration happen
// under one lock acquisition: every event lands either in the snapshot or
// at the sink, exactly once. The sink runs on the publisher's goroutine
// while the log is locked, so it must not block and must not call back
// into the log.
func (l *EventLog) SubscribeWithHistory(planID string, sink func(PlanEvent)) ([]PlanEvent, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl := l.planLocked(planID)

	history := append([]PlanEvent(nil), pl.ring...)
	id := pl.nextSub
	pl.nextSub++
	pl.subs[id] = sink

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if pl, ok := l.plans[planID]; ok {
			delete(pl.subs, id)
		}
	}
	return history, cancel
}

// SubscriberCount reports the current subscribers of a plan.
func (l *EventLog) SubscriberCount(planID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pl, ok := l.plans[planID]; ok {
		return len(pl.subs)
	}
	return 0
}
