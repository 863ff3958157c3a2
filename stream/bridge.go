package stream

import (
	"time"

	"github.com/agentmesh/agentmesh/graph"
	"github.com/agentmesh/agentmesh/plan"
)

// PublishQueued seeds a plan's stream with one queued snapshot per step,
// so subscribers see the whole plan before the first step runs.
func PublishQueued(log *EventLog, def *plan.Definition, traceID string) {
	now := time.Now().UTC()
	for _, step := range def.Steps {
		log.Publish(PlanEvent{
			PlanID:     def.ID,
			TraceID:    traceID,
			OccurredAt: now,
			Step: StepSnapshot{
				ID:               step.ID,
				Action:           step.Action,
				Tool:             step.Tool,
				State:            StepQueued,
				Capability:       step.Capability,
				Labels:           step.Labels,
				TimeoutSeconds:   step.TimeoutSeconds,
				ApprovalRequired: step.ApprovalRequired,
			},
		})
	}
}

// GraphObserver translates graph execution events into plan events and
// publishes them to the log. Install it on an execution graph via
// graph.WithObserver.
type GraphObserver struct {
	log     *EventLog
	planID  string
	traceID string
	steps   map[string]plan.StepDefinition
}

// NewGraphObserver creates an observer for one plan run. The definition
// supplies step metadata (action, tool, capability) for event snapshots.
func NewGraphObserver(log *EventLog, def *plan.Definition, traceID string) *GraphObserver {
	steps := make(map[string]plan.StepDefinition, len(def.Steps))
	for _, step := range def.Steps {
		steps[step.ID] = step
	}
	return &GraphObserver{
		log:     log,
		planID:  def.ID,
		traceID: traceID,
		steps:   steps,
	}
}

// OnEvent implements graph.Observer.
func (o *GraphObserver) OnEvent(event graph.Event) {
	var state StepState
	switch event.Type {
	case graph.EventExecutionStarted, graph.EventExecutionCompleted:
		return
	case graph.EventNodeStarted, graph.EventNodeRetry:
		state = StepRunning
	case graph.EventNodeCompleted:
		state = StepCompleted
	case graph.EventNodeSkipped:
		state = StepSkipped
	case graph.EventNodeFailed:
		state = StepFailed
	case graph.EventNodeBlocked:
		// An upstream failure made the step unreachable.
		state = StepDeadLettered
	default:
		return
	}

	step := o.steps[event.NodeID]
	o.log.Publish(PlanEvent{
		PlanID:     o.planID,
		TraceID:    o.traceID,
		OccurredAt: event.Time,
		Step: StepSnapshot{
			ID:               event.NodeID,
			Action:           step.Action,
			Tool:             step.Tool,
			State:            state,
			Capability:       step.Capability,
			Labels:           step.Labels,
			TimeoutSeconds:   step.TimeoutSeconds,
			ApprovalRequired: step.ApprovalRequired,
			Attempt:          event.Attempt,
			Summary:          event.Err,
			Output:           event.Output,
		},
	})
}
