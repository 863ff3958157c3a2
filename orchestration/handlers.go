package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/graph"
)

const (
	// defaultTaskTimeout bounds agent requests for steps with no timeout.
	defaultTaskTimeout = 30 * time.Second

	orchestratorAgentID = "orchestrator"
	llmCapability       = "llm.generate"
)

// taskHandler runs task nodes. Steps with the LLM capability route through
// the chat generator; everything else dispatches a request to the step's
// tool agent over the bus.
func (f *PlanFactory) taskHandler() graph.Handler {
	return graph.HandlerFunc(func(ctx context.Context, node *graph.Node, run *graph.Context) (interface{}, error) {
		capability, _ := node.Config["capability"].(string)
		tool, _ := node.Config["tool"].(string)
		input := node.Config["input"]

		if capability == llmCapability || tool == "llm" {
			return f.generateChat(ctx, node, run, input)
		}

		if f.caller == nil {
			return nil, fmt.Errorf("node %q has no agent caller configured: %w", node.ID, core.ErrNoRoute)
		}
		if tool == "" {
			return nil, fmt.Errorf("node %q has no tool binding: %w", node.ID, core.ErrNoRoute)
		}

		payload := map[string]interface{}{
			"action":     node.Config["action"],
			"capability": capability,
			"input":      input,
		}
		if executionID, ok := run.Variable("executionId"); ok {
			payload["executionId"] = executionID
		}

		timeout := node.Timeout
		if timeout <= 0 {
			timeout = defaultTaskTimeout
		}
		return f.caller.Request(ctx, orchestratorAgentID, tool, payload, timeout)
	})
}

func (f *PlanFactory) generateChat(ctx context.Context, node *graph.Node, run *graph.Context, input interface{}) (interface{}, error) {
	if f.chat == nil {
		return nil, fmt.Errorf("node %q requires a chat generator: %w", node.ID, core.ErrNoProvidersEnabled)
	}

	prompt := ""
	options := map[string]interface{}{}
	if in, ok := input.(map[string]interface{}); ok {
		prompt, _ = in["prompt"].(string)
		if opts, ok := in["options"].(map[string]interface{}); ok {
			options = opts
		}
	}
	if prompt == "" {
		if goal, ok := run.Variable("goal"); ok {
			prompt = stringify(goal)
		}
	}
	if prompt == "" {
		return nil, fmt.Errorf("node %q has no prompt: %w", node.ID, core.ErrInvalidPlan)
	}
	return f.chat.Generate(ctx, prompt, options)
}

// conditionHandler evaluates the node's expression against the run
// variables and outputs the boolean result. A false result skips the node
// so continue-on-error dependents may still proceed.
func conditionHandler() graph.Handler {
	return graph.HandlerFunc(func(ctx context.Context, node *graph.Node, run *graph.Context) (interface{}, error) {
		expr := expressionFromConfig(node.Config)
		if expr == "" {
			return true, nil
		}
		ok, err := evalExpression(expr, run.Variables())
		if err != nil {
			return nil, fmt.Errorf("node %q condition: %w", node.ID, err)
		}
		if !ok {
			return false, graph.ErrSkipNode
		}
		return true, nil
	})
}

func expressionFromConfig(config map[string]interface{}) string {
	if input, ok := config["input"].(map[string]interface{}); ok {
		if expr, ok := input["expression"].(string); ok {
			return expr
		}
	}
	return ""
}

// passthroughHandler forwards the node's input unchanged; parallel and
// loop nodes are structural.
func passthroughHandler() graph.Handler {
	return graph.HandlerFunc(func(ctx context.Context, node *graph.Node, run *graph.Context) (interface{}, error) {
		return node.Config["input"], nil
	})
}

// mergeHandler collects the outputs of the node's dependencies into one
// map keyed by dependency id.
func mergeHandler() graph.Handler {
	return graph.HandlerFunc(func(ctx context.Context, node *graph.Node, run *graph.Context) (interface{}, error) {
		merged := make(map[string]interface{}, len(node.Dependencies))
		for _, dep := range node.Dependencies {
			if out, ok := run.Output(dep); ok {
				merged[dep] = out
			}
		}
		return merged, nil
	})
}
