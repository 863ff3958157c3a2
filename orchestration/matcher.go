package orchestration

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/plan"
)

// selectPlan scores every enabled candidate's input conditions against the
// goal and returns the plan whose highest-priority matched condition wins.
// Ties keep the earlier plan in file order.
func selectPlan(goal string, candidates []*plan.Definition, variables map[string]interface{}) (*plan.Definition, error) {
	var best *plan.Definition
	bestPriority := 0

	for _, def := range candidates {
		for _, cond := range def.InputConditions {
			if !conditionMatches(goal, cond, variables) {
				continue
			}
			if best == nil || cond.Priority > bestPriority {
				best = def
				bestPriority = cond.Priority
			}
		}
	}

	if best == nil {
		return nil, fmt.Errorf("goal %q: %w", goal, core.ErrNoMatchingPlan)
	}
	return best, nil
}

// conditionMatches reports whether a single condition matches: its pattern
// matches the goal, one of its keywords appears as a token in the goal, or
// its expression evaluates true over the variables.
func conditionMatches(goal string, cond plan.InputCondition, variables map[string]interface{}) bool {
	if cond.Pattern != "" {
		// Patterns were compiled during validation; a compile failure here
		// means the condition never matches.
		re, err := regexp.Compile(cond.Pattern)
		if err == nil && re.MatchString(goal) {
			return true
		}
	}

	if len(cond.Keywords) > 0 {
		tokens := make(map[string]bool)
		for _, tok := range strings.Fields(strings.ToLower(goal)) {
			tokens[strings.Trim(tok, ".,!?;:")] = true
		}
		for _, kw := range cond.Keywords {
			if tokens[strings.ToLower(kw)] {
				return true
			}
		}
	}

	if cond.Expression != "" {
		ok, err := evalExpression(cond.Expression, variables)
		if err == nil && ok {
			return true
		}
	}

	return false
}
