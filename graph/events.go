package graph

import (
	"time"
)

// EventType identifies a lifecycle event emitted during execution.
type EventType string

const (
	EventExecutionStarted   EventType = "execution:started"
	EventExecutionCompleted EventType = "execution:completed"
	EventNodeStarted        EventType = "node:started"
	EventNodeCompleted      EventType = "node:completed"
	EventNodeFailed         EventType = "node:failed"
	EventNodeRetry          EventType = "node:retry"
	EventNodeSkipped        EventType = "node:skipped"
	EventNodeBlocked        EventType = "node:blocked"
)

// Event describes a state change in a running graph. Events are ordered
// per node; no ordering is guaranteed across nodes.
type Event struct {
	Type    EventType
	GraphID string
	NodeID  string
	Attempt int
	Output  interface{}
	Err     string
	Time    time.Time
}

// Observer receives execution events. OnEvent is invoked from a dedicated
// dispatch goroutine, never from inside the scheduler's critical section,
// so observers may do slow work without stalling node dispatch. Events that
// arrive while the dispatch queue is full are dropped.
type Observer interface {
	OnEvent(event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnEvent calls the wrapped function.
func (f ObserverFunc) OnEvent(event Event) { f(event) }

// eventDispatcher fans events out to observers through a bounded queue.
type eventDispatcher struct {
	queue     chan Event
	observers []Observer
	done      chan struct{}
	dropped   func(Event)
}

func newEventDispatcher(observers []Observer, depth int, dropped func(Event)) *eventDispatcher {
	if depth <= 0 {
		depth = 256
	}
	d := &eventDispatcher{
		queue:     make(chan Event, depth),
		observers: observers,
		done:      make(chan struct{}),
		dropped:   dropped,
	}
	go d.run()
	return d
}

func (d *eventDispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		for _, obs := range d.observers {
			obs.OnEvent(event)
		}
	}
}

// post enqueues an event without blocking the caller.
func (d *eventDispatcher) post(event Event) {
	if len(d.observers) == 0 {
		return
	}
	select {
	case d.queue <- event:
	default:
		if d.dropped != nil {
			d.dropped(event)
		}
	}
}

// close stops the dispatcher after draining queued events.
func (d *eventDispatcher) close() {
	close(d.queue)
	<-d.done
}
