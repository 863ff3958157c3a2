package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
)

func TestDefinitionValidate(t *testing.T) {
	t.Run("duplicate node id", func(t *testing.T) {
		def := &Definition{
			ID: "g1",
			Nodes: []Node{
				{ID: "a", Type: NodeTypeTask},
				{ID: "a", Type: NodeTypeTask},
			},
		}
		err := def.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrDuplicateNode)
	})

	t.Run("unknown dependency", func(t *testing.T) {
		def := &Definition{
			ID: "g1",
			Nodes: []Node{
				{ID: "a", Type: NodeTypeTask, Dependencies: []string{"ghost"}},
			},
		}
		err := def.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrUnknownDependency)
	})

	t.Run("cycle detection", func(t *testing.T) {
		def := &Definition{
			ID: "g1",
			Nodes: []Node{
				{ID: "a", Type: NodeTypeTask, Dependencies: []string{"c"}},
				{ID: "b", Type: NodeTypeTask, Dependencies: []string{"a"}},
				{ID: "c", Type: NodeTypeTask, Dependencies: []string{"b"}},
			},
		}
		err := def.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrGraphCycle)
	})

	t.Run("self cycle", func(t *testing.T) {
		def := &Definition{
			ID:    "g1",
			Nodes: []Node{{ID: "a", Type: NodeTypeTask, Dependencies: []string{"a"}}},
		}
		assert.ErrorIs(t, def.Validate(), core.ErrGraphCycle)
	})

	t.Run("entry nodes computed from dependency-free nodes", func(t *testing.T) {
		def := &Definition{
			ID: "g1",
			Nodes: []Node{
				{ID: "b", Type: NodeTypeTask, Dependencies: []string{"a"}},
				{ID: "a", Type: NodeTypeTask},
				{ID: "c", Type: NodeTypeTask},
			},
		}
		require.NoError(t, def.Validate())
		assert.Equal(t, []string{"a", "c"}, def.EntryNodes)
	})

	t.Run("explicit entry node must exist", func(t *testing.T) {
		def := &Definition{
			ID:         "g1",
			Nodes:      []Node{{ID: "a", Type: NodeTypeTask}},
			EntryNodes: []string{"nope"},
		}
		assert.ErrorIs(t, def.Validate(), core.ErrInvalidGraph)
	})

	t.Run("empty graph", func(t *testing.T) {
		def := &Definition{ID: "g1"}
		assert.ErrorIs(t, def.Validate(), core.ErrInvalidGraph)
	})
}

func TestRetryPolicyBackoff(t *testing.T) {
	fixed := &RetryPolicy{MaxRetries: 3, BackoffMs: 100, Exponential: false}
	assert.Equal(t, int64(100), fixed.Backoff(1).Milliseconds())
	assert.Equal(t, int64(100), fixed.Backoff(3).Milliseconds())

	exp := &RetryPolicy{MaxRetries: 4, BackoffMs: 100, Exponential: true}
	assert.Equal(t, int64(100), exp.Backoff(1).Milliseconds())
	assert.Equal(t, int64(200), exp.Backoff(2).Milliseconds())
	assert.Equal(t, int64(400), exp.Backoff(3).Milliseconds())
	assert.Equal(t, int64(800), exp.Backoff(4).Milliseconds())
}
