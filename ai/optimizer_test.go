package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptimizePipeline(t *testing.T) {
	o := NewPromptOptimizer(OptimizerConfig{MaxCompression: 0.9})

	t.Run("whitespace normalization", func(t *testing.T) {
		assert.Equal(t, "a b c", o.Optimize("a   b\t\tc"))
	})

	t.Run("redundant phrase removal", func(t *testing.T) {
		assert.Equal(t, "summarize the report", o.Optimize("Please summarize the report"))
	})

	t.Run("instruction compression", func(t *testing.T) {
		assert.Equal(t, "to pass, run the tests", o.Optimize("In order to pass, run the tests"))
	})

	t.Run("punctuation collapse", func(t *testing.T) {
		assert.Equal(t, "really? yes!", o.Optimize("really??? yes!!!"))
	})

	t.Run("number words to digits", func(t *testing.T) {
		assert.Equal(t, "list 3 items and 10 facts", o.Optimize("list three items and ten facts"))
	})

	t.Run("empty line collapse", func(t *testing.T) {
		assert.Equal(t, "a\n\nb", o.Optimize("a\n\n\n\nb"))
	})

	t.Run("empty prompt untouched", func(t *testing.T) {
		assert.Equal(t, "", o.Optimize(""))
		assert.Equal(t, "   ", o.Optimize("   "))
	})
}

func TestOptimizeCompressionFloor(t *testing.T) {
	// Almost every word of this prompt is removable filler, so compression
	// overshoots the default ratio and the original must come back.
	prompt := "please kindly please kindly please kindly please kindly summarize"
	o := NewPromptOptimizer(OptimizerConfig{MaxCompression: 0.5})
	assert.Equal(t, prompt, o.Optimize(prompt))

	permissive := NewPromptOptimizer(OptimizerConfig{MaxCompression: 0.99})
	assert.Equal(t, "summarize", permissive.Optimize(prompt))
}

func TestOptimizeCustomTokenizer(t *testing.T) {
	// A tokenizer that counts words makes modest edits register as small
	// reductions, keeping the optimized form.
	o := NewPromptOptimizer(OptimizerConfig{
		MaxCompression: 0.5,
		Tokenizer:      wordTokenizer{},
	})
	out := o.Optimize("please review the three files")
	assert.Equal(t, "review the 3 files", out)
}

type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

func TestEstimatorTokenizer(t *testing.T) {
	e := estimatorTokenizer{}
	assert.Equal(t, 0, e.Count(""))
	assert.Equal(t, 1, e.Count("abc"))
	assert.Equal(t, 2, e.Count("abcdefgh"))
}
