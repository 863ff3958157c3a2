// Package orchestration turns goals into executable workflows: it selects
// a plan definition for a goal, merges and substitutes variables, and
// materializes the plan into an execution graph with handlers attached.
package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/graph"
	"github.com/agentmesh/agentmesh/plan"
)

// AgentCaller sends a request to a named agent and waits for its response.
// The message bus satisfies this.
type AgentCaller interface {
	Request(ctx context.Context, from, to string, payload interface{}, timeout time.Duration) (interface{}, error)
}

// ChatGenerator produces a completion for a prompt. The provider router
// satisfies this through a thin adapter.
type ChatGenerator interface {
	Generate(ctx context.Context, prompt string, options map[string]interface{}) (string, error)
}

// Subject identifies the principal a plan runs on behalf of.
type Subject struct {
	TenantID  string
	UserID    string
	SessionID string
}

// CreateOptions parameterizes plan creation. Either Goal or PlanID must be
// set; PlanID bypasses goal matching.
type CreateOptions struct {
	Goal             string
	PlanID           string
	WorkflowType     plan.WorkflowType
	Variables        map[string]interface{}
	Subject          *Subject
	ConcurrencyLimit int
}

// Instance is one materialized plan run, owned by its creator.
type Instance struct {
	ExecutionID string
	Definition  *plan.Definition
	Goal        string
	Variables   map[string]interface{}
	Graph       *graph.ExecutionGraph
}

// Config assembles a PlanFactory's collaborators.
type Config struct {
	Store  *plan.Store
	Caller AgentCaller
	Chat   ChatGenerator
	Logger core.Logger

	// Observer, when set, supplies a graph observer per plan run, built
	// before the graph so it sees every execution event.
	Observer func(def *plan.Definition, executionID string) graph.Observer

	OnPlanCreated func(*Instance)
}

// PlanFactory builds execution graphs from plan definitions. Handlers
// registered on the factory apply to every graph it subsequently builds,
// layered over the default handlers for each node type.
type PlanFactory struct {
	store         *plan.Store
	caller        AgentCaller
	chat          ChatGenerator
	logger        core.Logger
	observer      func(def *plan.Definition, executionID string) graph.Observer
	onPlanCreated func(*Instance)

	mu       sync.RWMutex
	handlers map[graph.NodeType]graph.Handler
}

// NewPlanFactory creates a factory bound to a plan store.
func NewPlanFactory(cfg Config) (*PlanFactory, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("plan factory requires a plan store: %w", core.ErrInvalidConfiguration)
	}
	return &PlanFactory{
		store:         cfg.Store,
		caller:        cfg.Caller,
		chat:          cfg.Chat,
		logger:        core.EnsureLogger(cfg.Logger),
		observer:      cfg.Observer,
		onPlanCreated: cfg.OnPlanCreated,
		handlers:      make(map[graph.NodeType]graph.Handler),
	}, nil
}

// RegisterHandler installs a handler applied to all graphs built after the
// call, overriding the default handler for that node type.
func (f *PlanFactory) RegisterHandler(nodeType graph.NodeType, handler graph.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[nodeType] = handler
}

// CreatePlan selects a plan for the goal (or fetches opts.PlanID directly),
// merges variables, and materializes an execution graph.
func (f *PlanFactory) CreatePlan(ctx context.Context, opts CreateOptions) (*Instance, error) {
	def, err := f.resolveDefinition(opts)
	if err != nil {
		return nil, err
	}

	goal := opts.Goal
	if goal == "" {
		goal = def.Name
	}

	executionID := core.NewID()
	variables := f.mergeVariables(def, goal, executionID, opts)

	gdef := materialize(def, executionID, variables)
	graphOpts := []graph.Option{
		graph.WithConcurrencyLimit(opts.ConcurrencyLimit),
		graph.WithLogger(f.logger),
	}
	if f.observer != nil {
		if o := f.observer(def, executionID); o != nil {
			graphOpts = append(graphOpts, graph.WithObserver(o))
		}
	}
	g, err := graph.New(gdef, graphOpts...)
	if err != nil {
		return nil, &core.OrchestratorError{
			Op:   "plan_factory.create",
			Kind: "plan",
			ID:   def.ID,
			Err:  fmt.Errorf("%w: %w", core.ErrPlanMaterialization, err),
		}
	}

	f.attachHandlers(g)

	instance := &Instance{
		ExecutionID: executionID,
		Definition:  def,
		Goal:        goal,
		Variables:   variables,
		Graph:       g,
	}

	f.logger.Info("Plan created", map[string]interface{}{
		"plan_id":      def.ID,
		"execution_id": executionID,
		"step_count":   len(def.Steps),
	})
	if f.onPlanCreated != nil {
		f.onPlanCreated(instance)
	}
	return instance, nil
}

// CreatePlanByID materializes a specific plan, bypassing goal matching.
// The goal defaults to the plan's name.
func (f *PlanFactory) CreatePlanByID(ctx context.Context, planID string, opts CreateOptions) (*Instance, error) {
	opts.PlanID = planID
	return f.CreatePlan(ctx, opts)
}

func (f *PlanFactory) resolveDefinition(opts CreateOptions) (*plan.Definition, error) {
	if opts.PlanID != "" {
		return f.store.Get(opts.PlanID)
	}
	if opts.Goal == "" {
		return nil, fmt.Errorf("goal or plan id is required: %w", core.ErrInvalidPlan)
	}
	candidates := f.store.List(opts.WorkflowType, true)
	return selectPlan(opts.Goal, candidates, opts.Variables)
}

// mergeVariables layers plan defaults, caller-supplied variables, and the
// injected run identity, in increasing precedence.
func (f *PlanFactory) mergeVariables(def *plan.Definition, goal, executionID string, opts CreateOptions) map[string]interface{} {
	variables := make(map[string]interface{}, len(def.Variables)+len(opts.Variables)+6)
	for k, v := range def.Variables {
		variables[k] = v
	}
	for k, v := range opts.Variables {
		variables[k] = v
	}
	variables["goal"] = goal
	variables["planId"] = def.ID
	variables["executionId"] = executionID
	if opts.Subject != nil {
		if opts.Subject.TenantID != "" {
			variables["tenantId"] = opts.Subject.TenantID
		}
		if opts.Subject.UserID != "" {
			variables["userId"] = opts.Subject.UserID
		}
		if opts.Subject.SessionID != "" {
			variables["sessionId"] = opts.Subject.SessionID
		}
	}
	return variables
}

// materialize converts plan steps into graph nodes. Step timeouts are in
// seconds; node timeouts carry full duration resolution.
func materialize(def *plan.Definition, executionID string, variables map[string]interface{}) *graph.Definition {
	gdef := &graph.Definition{
		ID:         executionID,
		EntryNodes: append([]string(nil), def.EntrySteps...),
	}
	for _, step := range def.Steps {
		nodeType := graph.NodeTypeTask
		if step.NodeType != "" {
			nodeType = graph.NodeType(step.NodeType)
		}
		config := map[string]interface{}{
			"action":           step.Action,
			"tool":             step.Tool,
			"capability":       step.Capability,
			"capabilityLabel":  step.CapabilityLabel,
			"labels":           step.Labels,
			"approvalRequired": step.ApprovalRequired,
		}
		if step.Input != nil {
			config["input"] = Substitute(mapToInterface(step.Input), variables)
		}
		gdef.Nodes = append(gdef.Nodes, graph.Node{
			ID:              step.ID,
			Type:            nodeType,
			Dependencies:    step.Dependencies,
			Config:          config,
			Timeout:         time.Duration(step.TimeoutSeconds) * time.Second,
			Retry:           step.Retry,
			ContinueOnError: step.ContinueOnError,
		})
	}
	return gdef
}

// mapToInterface widens a typed map so substitution can recurse uniformly.
func mapToInterface(m map[string]interface{}) interface{} {
	return m
}

// attachHandlers registers defaults for every node type, then overlays the
// factory's registered handlers.
func (f *PlanFactory) attachHandlers(g *graph.ExecutionGraph) {
	g.RegisterHandler(graph.NodeTypeTask, f.taskHandler())
	g.RegisterHandler(graph.NodeTypeCondition, conditionHandler())
	g.RegisterHandler(graph.NodeTypeParallel, passthroughHandler())
	g.RegisterHandler(graph.NodeTypeMerge, mergeHandler())
	g.RegisterHandler(graph.NodeTypeLoop, passthroughHandler())

	f.mu.RLock()
	defer f.mu.RUnlock()
	for nodeType, handler := range f.handlers {
		g.RegisterHandler(nodeType, handler)
	}
}
