package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/graph"
)

func validPlan() *Definition {
	return &Definition{
		ID:           "plan-review",
		Name:         "Code review",
		WorkflowType: WorkflowCoding,
		Enabled:      true,
		Steps: []StepDefinition{
			{ID: "fetch", Action: "fetch_diff", Tool: "repo", Capability: "repo.read"},
			{ID: "review", Action: "review_diff", Tool: "reviewer", Dependencies: []string{"fetch"}},
		},
	}
}

func TestValidatePlan(t *testing.T) {
	t.Run("valid plan computes entry steps", func(t *testing.T) {
		def := validPlan()
		require.NoError(t, Validate(def))
		assert.Equal(t, []string{"fetch"}, def.EntrySteps)
	})

	t.Run("capability label filled from lookup table", func(t *testing.T) {
		def := validPlan()
		require.NoError(t, Validate(def))
		assert.Equal(t, "Read repository", def.Steps[0].CapabilityLabel)
	})

	t.Run("explicit capability label preserved", func(t *testing.T) {
		def := validPlan()
		def.Steps[0].CapabilityLabel = "Custom"
		require.NoError(t, Validate(def))
		assert.Equal(t, "Custom", def.Steps[0].CapabilityLabel)
	})

	t.Run("duplicate step id", func(t *testing.T) {
		def := validPlan()
		def.Steps[1].ID = "fetch"
		assert.ErrorIs(t, Validate(def), core.ErrInvalidPlan)
	})

	t.Run("unknown dependency", func(t *testing.T) {
		def := validPlan()
		def.Steps[1].Dependencies = []string{"ghost"}
		assert.ErrorIs(t, Validate(def), core.ErrInvalidPlan)
	})

	t.Run("unknown transition target", func(t *testing.T) {
		def := validPlan()
		def.Steps[0].Transitions = []Transition{{To: "ghost"}}
		assert.ErrorIs(t, Validate(def), core.ErrInvalidPlan)
	})

	t.Run("cyclic dependencies", func(t *testing.T) {
		def := validPlan()
		def.Steps[0].Dependencies = []string{"review"}
		assert.ErrorIs(t, Validate(def), core.ErrGraphCycle)
	})

	t.Run("unknown workflow type", func(t *testing.T) {
		def := validPlan()
		def.WorkflowType = "gardening"
		assert.ErrorIs(t, Validate(def), core.ErrInvalidPlan)
	})

	t.Run("retry bounds", func(t *testing.T) {
		def := validPlan()
		def.Steps[0].Retry = &graph.RetryPolicy{MaxRetries: 11, BackoffMs: 500}
		assert.ErrorIs(t, Validate(def), core.ErrInvalidPlan)

		def = validPlan()
		def.Steps[0].Retry = &graph.RetryPolicy{MaxRetries: 2, BackoffMs: 50}
		assert.ErrorIs(t, Validate(def), core.ErrInvalidPlan)

		def = validPlan()
		def.Steps[0].Retry = &graph.RetryPolicy{MaxRetries: 2, BackoffMs: 500}
		assert.NoError(t, Validate(def))
	})

	t.Run("invalid condition pattern", func(t *testing.T) {
		def := validPlan()
		def.InputConditions = []InputCondition{{Pattern: "(", Priority: 1}}
		assert.ErrorIs(t, Validate(def), core.ErrInvalidPlan)
	})

	t.Run("explicit entry step must exist", func(t *testing.T) {
		def := validPlan()
		def.EntrySteps = []string{"ghost"}
		assert.ErrorIs(t, Validate(def), core.ErrInvalidPlan)
	})
}

func TestValidateCollection(t *testing.T) {
	file := &File{
		SchemaVersion: 1,
		Plans:         []Definition{*validPlan(), *validPlan()},
	}
	err := ValidateCollection(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate plan id")

	file.Plans[1].ID = "plan-other"
	assert.NoError(t, ValidateCollection(file))
}
