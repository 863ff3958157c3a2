package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/telemetry"
)

// NodeStatus is the lifecycle state of a node within one run.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusReady     NodeStatus = "ready"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusBlocked   NodeStatus = "blocked"
	StatusSkipped   NodeStatus = "skipped"
)

// ErrSkipNode is returned by a handler to mark its node Skipped instead of
// Completed or Failed. Dependents treat a skipped continue-on-error node
// like a completed one.
var ErrSkipNode = errors.New("skip node")

// Handler executes one node. Implementations read the node's config and the
// run context and return the node's output. Blocking handlers must honor
// ctx cancellation; the scheduler transitions the node on timeout whether
// or not the handler returns.
type Handler interface {
	Execute(ctx context.Context, node *Node, run *Context) (interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, node *Node, run *Context) (interface{}, error)

// Execute calls the wrapped function.
func (f HandlerFunc) Execute(ctx context.Context, node *Node, run *Context) (interface{}, error) {
	return f(ctx, node, run)
}

// NodeExecution records the runtime state of one node in one run.
type NodeExecution struct {
	NodeID    string
	Status    NodeStatus
	Attempts  int
	Retries   int
	StartedAt time.Time
	EndedAt   time.Time
	Output    interface{}
	Err       error
}

// Result summarizes a completed run.
type Result struct {
	Success   bool
	Completed int
	Failed    int
	Skipped   int
	Blocked   int
	Outputs   map[string]interface{}
	Nodes     map[string]*NodeExecution
	Duration  time.Duration
}

// ExecutionGraph executes a validated Definition. A graph instance owns its
// handler registry; each call to Execute owns its node state, so a graph
// may be executed multiple times (not concurrently with itself).
type ExecutionGraph struct {
	def        *Definition
	nodes      map[string]*Node
	successors map[string][]string

	handlersMu sync.RWMutex
	handlers   map[NodeType]Handler

	limit      int
	queueDepth int
	logger     core.Logger
	observers  []Observer
}

// Option configures an ExecutionGraph.
type Option func(*ExecutionGraph)

// WithConcurrencyLimit bounds the number of node handlers running at once.
// Zero or negative means unbounded.
func WithConcurrencyLimit(n int) Option {
	return func(g *ExecutionGraph) { g.limit = n }
}

// WithLogger sets the structured logger.
func WithLogger(l core.Logger) Option {
	return func(g *ExecutionGraph) { g.logger = l }
}

// WithObserver installs an execution event observer.
func WithObserver(o Observer) Option {
	return func(g *ExecutionGraph) { g.observers = append(g.observers, o) }
}

// WithEventQueueDepth sets the bounded event dispatch queue size.
func WithEventQueueDepth(n int) Option {
	return func(g *ExecutionGraph) { g.queueDepth = n }
}

// New validates the definition and builds an executable graph.
func New(def *Definition, opts ...Option) (*ExecutionGraph, error) {
	if def == nil {
		return nil, fmt.Errorf("nil definition: %w", core.ErrInvalidGraph)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	g := &ExecutionGraph{
		def:        def,
		nodes:      make(map[string]*Node, len(def.Nodes)),
		successors: make(map[string][]string),
		handlers:   make(map[NodeType]Handler),
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		g.nodes[n.ID] = n
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		for _, dep := range n.Dependencies {
			g.successors[dep] = append(g.successors[dep], n.ID)
		}
	}

	for _, opt := range opts {
		opt(g)
	}
	g.logger = core.EnsureLogger(g.logger)
	return g, nil
}

// Definition returns the validated definition backing this graph.
func (g *ExecutionGraph) Definition() *Definition {
	return g.def
}

// RegisterHandler installs the handler for a node type, replacing any
// previous registration.
func (g *ExecutionGraph) RegisterHandler(nodeType NodeType, handler Handler) {
	g.handlersMu.Lock()
	defer g.handlersMu.Unlock()
	g.handlers[nodeType] = handler
}

// HasHandler reports whether a handler is registered for the node type.
func (g *ExecutionGraph) HasHandler(nodeType NodeType) bool {
	g.handlersMu.RLock()
	defer g.handlersMu.RUnlock()
	_, ok := g.handlers[nodeType]
	return ok
}

// Stats summarizes the graph's shape for diagnostics.
type Stats struct {
	Nodes      int
	EntryNodes int
	Edges      int
	ByType     map[NodeType]int
}

// Stats returns the graph's shape summary.
func (g *ExecutionGraph) Stats() Stats {
	stats := Stats{
		Nodes:      len(g.nodes),
		EntryNodes: len(g.def.EntryNodes),
		ByType:     make(map[NodeType]int, 4),
	}
	for _, node := range g.nodes {
		stats.ByType[node.Type]++
		stats.Edges += len(node.Dependencies)
	}
	return stats
}

type nodeResult struct {
	nodeID   string
	output   interface{}
	err      error
	attempts int
}

// Execute runs the graph to completion. The run context may be nil; an
// empty one is created. Execute returns when every node has reached a
// terminal state or ctx is canceled.
func (g *ExecutionGraph) Execute(ctx context.Context, run *Context) (*Result, error) {
	if run == nil {
		run = NewContext(nil)
	}
	start := time.Now()

	dispatcher := newEventDispatcher(g.observers, g.queueDepth, func(ev Event) {
		g.logger.Warn("Dropping graph event, dispatch queue full", map[string]interface{}{
			"graph_id": g.def.ID,
			"node_id":  ev.NodeID,
			"event":    string(ev.Type),
		})
	})
	defer dispatcher.close()

	telemetry.AddSpanEvent(ctx, "graph.execution.started",
		attribute.String("graph.id", g.def.ID),
		attribute.Int("graph.node_count", len(g.nodes)),
	)
	dispatcher.post(Event{Type: EventExecutionStarted, GraphID: g.def.ID, Time: time.Now()})

	g.logger.Info("Starting graph execution", map[string]interface{}{
		"graph_id":          g.def.ID,
		"node_count":        len(g.nodes),
		"concurrency_limit": g.limit,
	})

	state := make(map[string]*NodeExecution, len(g.nodes))
	for id := range g.nodes {
		state[id] = &NodeExecution{NodeID: id, Status: StatusPending}
	}

	var ready []string
	for _, id := range g.def.EntryNodes {
		state[id].Status = StatusReady
		ready = append(ready, id)
	}

	results := make(chan nodeResult, len(g.nodes))
	running := 0

	dispatch := func() {
		for len(ready) > 0 && (g.limit <= 0 || running < g.limit) {
			id := ready[0]
			ready = ready[1:]
			exec := state[id]
			exec.Status = StatusRunning
			exec.StartedAt = time.Now()
			running++
			dispatcher.post(Event{Type: EventNodeStarted, GraphID: g.def.ID, NodeID: id, Time: exec.StartedAt})
			go g.runNode(ctx, g.nodes[id], run, results, dispatcher)
		}
	}

	dispatch()

	for running > 0 {
		select {
		case res := <-results:
			running--
			g.applyResult(state, res, run, dispatcher, &ready)
			dispatch()
		case <-ctx.Done():
			// Already-running handlers observe cancellation through ctx;
			// drain their results so the dispatcher sees a quiet queue.
			for running > 0 {
				res := <-results
				running--
				g.applyResult(state, res, run, dispatcher, &ready)
			}
			return g.buildResult(state, run, start), ctx.Err()
		}
	}

	if ctx.Err() != nil {
		return g.buildResult(state, run, start), ctx.Err()
	}

	// Anything still pending has no possible transition to ready.
	for _, exec := range state {
		if exec.Status == StatusPending || exec.Status == StatusReady {
			exec.Status = StatusBlocked
			exec.EndedAt = time.Now()
			dispatcher.post(Event{Type: EventNodeBlocked, GraphID: g.def.ID, NodeID: exec.NodeID, Time: exec.EndedAt})
		}
	}

	result := g.buildResult(state, run, start)

	telemetry.AddSpanEvent(ctx, "graph.execution.completed",
		attribute.String("graph.id", g.def.ID),
		attribute.Bool("graph.success", result.Success),
		attribute.Int("graph.completed", result.Completed),
		attribute.Int("graph.failed", result.Failed),
	)
	dispatcher.post(Event{Type: EventExecutionCompleted, GraphID: g.def.ID, Time: time.Now()})

	g.logger.Info("Graph execution finished", map[string]interface{}{
		"graph_id":    g.def.ID,
		"success":     result.Success,
		"completed":   result.Completed,
		"failed":      result.Failed,
		"blocked":     result.Blocked,
		"skipped":     result.Skipped,
		"duration_ms": result.Duration.Milliseconds(),
	})

	return result, nil
}

// runNode invokes the node handler, applying the retry policy. It always
// sends exactly one result.
func (g *ExecutionGraph) runNode(ctx context.Context, node *Node, run *Context, results chan<- nodeResult, dispatcher *eventDispatcher) {
	attempt := 1
	for {
		output, err := g.invoke(ctx, node, run)
		if err == nil || errors.Is(err, ErrSkipNode) {
			results <- nodeResult{nodeID: node.ID, output: output, err: err, attempts: attempt}
			return
		}

		// A missing handler is a configuration defect; retrying cannot fix it.
		retryable := !errors.Is(err, core.ErrNoHandler) && !errors.Is(err, context.Canceled)
		if retryable && node.Retry != nil && attempt <= node.Retry.MaxRetries {
			delay := node.Retry.Backoff(attempt)
			dispatcher.post(Event{
				Type: EventNodeRetry, GraphID: g.def.ID, NodeID: node.ID,
				Attempt: attempt, Err: err.Error(), Time: time.Now(),
			})
			g.logger.Debug("Retrying node after failure", map[string]interface{}{
				"graph_id":   g.def.ID,
				"node_id":    node.ID,
				"attempt":    attempt,
				"backoff_ms": delay.Milliseconds(),
				"error":      err.Error(),
			})
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				results <- nodeResult{nodeID: node.ID, err: ctx.Err(), attempts: attempt}
				return
			}
			attempt++
			continue
		}

		results <- nodeResult{nodeID: node.ID, err: err, attempts: attempt}
		return
	}
}

// invoke runs the handler for one attempt under the node's timeout. The
// handler runs in its own goroutine so a stuck handler cannot wedge the
// scheduler; on timeout the node transitions regardless.
func (g *ExecutionGraph) invoke(ctx context.Context, node *Node, run *Context) (interface{}, error) {
	g.handlersMu.RLock()
	handler, ok := g.handlers[node.Type]
	g.handlersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node %q type %q: %w", node.ID, node.Type, core.ErrNoHandler)
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if node.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	type invocation struct {
		output interface{}
		err    error
	}
	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Node handler panicked", map[string]interface{}{
					"graph_id": g.def.ID,
					"node_id":  node.ID,
					"panic":    fmt.Sprintf("%v", r),
					"stack":    string(debug.Stack()),
				})
				done <- invocation{err: fmt.Errorf("node %q handler panic: %v", node.ID, r)}
			}
		}()
		output, err := handler.Execute(attemptCtx, node, run)
		done <- invocation{output: output, err: err}
	}()

	select {
	case inv := <-done:
		return inv.output, inv.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("node %q exceeded timeout %s: %w", node.ID, node.Timeout, core.ErrTimeout)
	}
}

// applyResult transitions a finished node and releases its successors.
func (g *ExecutionGraph) applyResult(state map[string]*NodeExecution, res nodeResult, run *Context, dispatcher *eventDispatcher, ready *[]string) {
	exec := state[res.nodeID]
	exec.Attempts = res.attempts
	exec.Retries = res.attempts - 1
	exec.EndedAt = time.Now()

	switch {
	case res.err == nil:
		exec.Status = StatusCompleted
		exec.Output = res.output
		run.setOutput(res.nodeID, res.output)
		dispatcher.post(Event{Type: EventNodeCompleted, GraphID: g.def.ID, NodeID: res.nodeID, Attempt: res.attempts, Output: res.output, Time: exec.EndedAt})
	case errors.Is(res.err, ErrSkipNode):
		exec.Status = StatusSkipped
		dispatcher.post(Event{Type: EventNodeSkipped, GraphID: g.def.ID, NodeID: res.nodeID, Attempt: res.attempts, Time: exec.EndedAt})
	default:
		exec.Status = StatusFailed
		exec.Err = res.err
		dispatcher.post(Event{Type: EventNodeFailed, GraphID: g.def.ID, NodeID: res.nodeID, Attempt: res.attempts, Err: res.err.Error(), Time: exec.EndedAt})
		g.logger.Error("Node failed", map[string]interface{}{
			"graph_id": g.def.ID,
			"node_id":  res.nodeID,
			"attempts": res.attempts,
			"error":    res.err.Error(),
		})
	}

	g.releaseSuccessors(state, res.nodeID, dispatcher, ready)
}

// releaseSuccessors evaluates direct successors of a terminal node.
// A successor becomes ready when every dependency is completed, or every
// not-completed dependency is a continue-on-error node that failed or was
// skipped. A successor with a hard-failed dependency is blocked, along
// with everything downstream of it.
func (g *ExecutionGraph) releaseSuccessors(state map[string]*NodeExecution, nodeID string, dispatcher *eventDispatcher, ready *[]string) {
	for _, succID := range g.successors[nodeID] {
		succ := state[succID]
		if succ.Status != StatusPending {
			continue
		}

		satisfied := true
		blocked := false
		for _, depID := range g.nodes[succID].Dependencies {
			dep := state[depID]
			switch dep.Status {
			case StatusCompleted:
				// satisfied
			case StatusFailed, StatusSkipped:
				if !g.nodes[depID].ContinueOnError {
					blocked = true
				}
			case StatusBlocked:
				blocked = true
			default:
				satisfied = false
			}
			if blocked {
				break
			}
		}

		if blocked {
			g.blockSubtree(state, succID, dispatcher)
			continue
		}
		if satisfied {
			succ.Status = StatusReady
			*ready = append(*ready, succID)
		}
	}
}

// blockSubtree marks a node and its downstream dependents blocked.
func (g *ExecutionGraph) blockSubtree(state map[string]*NodeExecution, nodeID string, dispatcher *eventDispatcher) {
	exec := state[nodeID]
	if exec.Status != StatusPending {
		return
	}
	exec.Status = StatusBlocked
	exec.EndedAt = time.Now()
	dispatcher.post(Event{Type: EventNodeBlocked, GraphID: g.def.ID, NodeID: nodeID, Time: exec.EndedAt})
	for _, succID := range g.successors[nodeID] {
		g.blockSubtree(state, succID, dispatcher)
	}
}

func (g *ExecutionGraph) buildResult(state map[string]*NodeExecution, run *Context, start time.Time) *Result {
	result := &Result{
		Success: true,
		Outputs: run.Outputs(),
		Nodes:   state,
	}
	for id, exec := range state {
		switch exec.Status {
		case StatusCompleted:
			result.Completed++
		case StatusFailed:
			result.Failed++
			if !g.nodes[id].ContinueOnError {
				result.Success = false
			}
		case StatusBlocked:
			result.Blocked++
			result.Success = false
		case StatusSkipped:
			result.Skipped++
		default:
			result.Success = false
		}
	}
	result.Duration = time.Since(start)
	return result
}
