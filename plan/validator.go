package plan

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/graph"
)

const (
	minBackoffMs = 100
	maxBackoffMs = 60000
	maxRetries   = 10
)

// Validate checks the plan's schema and structural invariants, fills in
// capability labels for standard capabilities, and computes EntrySteps when
// the plan leaves them empty. It mutates the definition in place.
func Validate(def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("plan id is required: %w", core.ErrInvalidPlan)
	}
	if def.Name == "" {
		return fmt.Errorf("plan %q: name is required: %w", def.ID, core.ErrInvalidPlan)
	}
	if def.WorkflowType != "" && !isKnownWorkflowType(def.WorkflowType) {
		return fmt.Errorf("plan %q: unknown workflow type %q: %w", def.ID, def.WorkflowType, core.ErrInvalidPlan)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("plan %q: at least one step is required: %w", def.ID, core.ErrInvalidPlan)
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("plan %q: step %d has empty id: %w", def.ID, i, core.ErrInvalidPlan)
		}
		if stepIDs[step.ID] {
			return fmt.Errorf("plan %q: duplicate step id %q: %w", def.ID, step.ID, core.ErrInvalidPlan)
		}
		stepIDs[step.ID] = true

		if step.Action == "" {
			return fmt.Errorf("plan %q: step %q has no action: %w", def.ID, step.ID, core.ErrInvalidPlan)
		}
		if step.TimeoutSeconds < 0 {
			return fmt.Errorf("plan %q: step %q has negative timeout: %w", def.ID, step.ID, core.ErrInvalidPlan)
		}
		if err := validateRetry(def.ID, step); err != nil {
			return err
		}
		if step.NodeType != "" && !isKnownNodeType(step.NodeType) {
			return fmt.Errorf("plan %q: step %q has unknown node type %q: %w", def.ID, step.ID, step.NodeType, core.ErrInvalidPlan)
		}
		if step.Capability != "" && step.CapabilityLabel == "" {
			step.CapabilityLabel = CapabilityLabel(step.Capability)
		}
	}

	for _, step := range def.Steps {
		for _, dep := range step.Dependencies {
			if !stepIDs[dep] {
				return fmt.Errorf("plan %q: step %q depends on unknown step %q: %w", def.ID, step.ID, dep, core.ErrInvalidPlan)
			}
		}
		for _, tr := range step.Transitions {
			if !stepIDs[tr.To] {
				return fmt.Errorf("plan %q: step %q transitions to unknown step %q: %w", def.ID, step.ID, tr.To, core.ErrInvalidPlan)
			}
		}
	}

	// Reuse the graph validator for cycle detection over step dependencies.
	gdef := &graph.Definition{ID: def.ID}
	for _, step := range def.Steps {
		gdef.Nodes = append(gdef.Nodes, graph.Node{ID: step.ID, Type: graph.NodeTypeTask, Dependencies: step.Dependencies})
	}
	if err := gdef.Validate(); err != nil {
		return fmt.Errorf("plan %q: %w", def.ID, err)
	}

	if len(def.EntrySteps) == 0 {
		for _, step := range def.Steps {
			if len(step.Dependencies) == 0 {
				def.EntrySteps = append(def.EntrySteps, step.ID)
			}
		}
		sort.Strings(def.EntrySteps)
	} else {
		for _, entry := range def.EntrySteps {
			if !stepIDs[entry] {
				return fmt.Errorf("plan %q: entry step %q does not exist: %w", def.ID, entry, core.ErrInvalidPlan)
			}
		}
	}
	if len(def.EntrySteps) == 0 {
		return fmt.Errorf("plan %q: no entry steps: %w", def.ID, core.ErrInvalidPlan)
	}

	for _, cond := range def.InputConditions {
		if cond.Pattern != "" {
			if _, err := regexp.Compile(cond.Pattern); err != nil {
				return fmt.Errorf("plan %q: invalid condition pattern %q: %w", def.ID, cond.Pattern, core.ErrInvalidPlan)
			}
		}
	}

	return nil
}

// ValidateCollection validates every plan and enforces id uniqueness across
// the collection.
func ValidateCollection(file *File) error {
	seen := make(map[string]bool, len(file.Plans))
	for i := range file.Plans {
		def := &file.Plans[i]
		if err := Validate(def); err != nil {
			return err
		}
		if seen[def.ID] {
			return fmt.Errorf("duplicate plan id %q in collection: %w", def.ID, core.ErrInvalidPlan)
		}
		seen[def.ID] = true
	}
	return nil
}

func validateRetry(planID string, step *StepDefinition) error {
	if step.Retry == nil {
		return nil
	}
	r := step.Retry
	if r.MaxRetries < 0 || r.MaxRetries > maxRetries {
		return fmt.Errorf("plan %q: step %q maxRetries %d out of range [0,%d]: %w",
			planID, step.ID, r.MaxRetries, maxRetries, core.ErrInvalidPlan)
	}
	if r.BackoffMs < minBackoffMs || r.BackoffMs > maxBackoffMs {
		return fmt.Errorf("plan %q: step %q backoffMs %d out of range [%d,%d]: %w",
			planID, step.ID, r.BackoffMs, minBackoffMs, maxBackoffMs, core.ErrInvalidPlan)
	}
	return nil
}

func isKnownWorkflowType(t WorkflowType) bool {
	for _, known := range KnownWorkflowTypes {
		if t == known {
			return true
		}
	}
	return false
}

func isKnownNodeType(t string) bool {
	switch graph.NodeType(t) {
	case graph.NodeTypeTask, graph.NodeTypeCondition, graph.NodeTypeParallel, graph.NodeTypeMerge, graph.NodeTypeLoop:
		return true
	}
	return false
}
