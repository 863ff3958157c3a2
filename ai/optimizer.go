package ai

import (
	"regexp"
	"strings"

	"github.com/agentmesh/agentmesh/core"
)

// DefaultMaxCompression is the safety floor: optimizations reducing the
// token count by more than this ratio are discarded in favor of the
// original prompt.
const DefaultMaxCompression = 0.5

// Tokenizer counts tokens for compression accounting. A BPE tokenizer
// plugs in here; the fallback estimator is len/4.
type Tokenizer interface {
	Count(text string) int
}

// estimatorTokenizer approximates token counts at four characters per
// token, the usual BPE average for English text.
type estimatorTokenizer struct{}

func (estimatorTokenizer) Count(text string) int {
	return (len(text) + 3) / 4
}

var (
	spaceRuns    = regexp.MustCompile(`[ \t]+`)
	emptyLines   = regexp.MustCompile(`\n{3,}`)
	exclaimRuns  = regexp.MustCompile(`!{2,}`)
	questionRuns = regexp.MustCompile(`\?{2,}`)
	ellipsisRuns = regexp.MustCompile(`\.{4,}`)
	commaRuns    = regexp.MustCompile(`,{2,}`)
)

// redundantPhrases are dropped outright; they carry no instruction content.
var redundantPhrases = []string{
	"please ",
	"kindly ",
	"i would like you to ",
	"i want you to ",
	"could you ",
	"can you ",
	"make sure to ",
	"be sure to ",
	"go ahead and ",
	"it would be great if you could ",
}

// phraseReplacements compress fixed instructions to shorter equivalents.
var phraseReplacements = [][2]string{
	{"in order to", "to"},
	{"as well as", "and"},
	{"with regards to", "about"},
	{"with regard to", "about"},
	{"take into account", "consider"},
	{"a large number of", "many"},
	{"at this point in time", "now"},
	{"in the event that", "if"},
	{"due to the fact that", "because"},
	{"for the purpose of", "for"},
}

var numberWords = [][2]string{
	{"one", "1"}, {"two", "2"}, {"three", "3"}, {"four", "4"}, {"five", "5"},
	{"six", "6"}, {"seven", "7"}, {"eight", "8"}, {"nine", "9"}, {"ten", "10"},
}

var numberWordPatterns = buildNumberWordPatterns()

func buildNumberWordPatterns() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(numberWords))
	for i, pair := range numberWords {
		patterns[i] = regexp.MustCompile(`(?i)\b` + pair[0] + `\b`)
	}
	return patterns
}

// PromptOptimizer compresses prompts before they reach a provider.
type PromptOptimizer struct {
	maxCompression float64
	tokenizer      Tokenizer
	logger         core.Logger
}

// OptimizerConfig configures a PromptOptimizer. Zero values select the
// defaults.
type OptimizerConfig struct {
	MaxCompression float64
	Tokenizer      Tokenizer
	Logger         core.Logger
}

// NewPromptOptimizer creates an optimizer.
func NewPromptOptimizer(cfg OptimizerConfig) *PromptOptimizer {
	max := cfg.MaxCompression
	if max <= 0 {
		max = DefaultMaxCompression
	}
	tokenizer := cfg.Tokenizer
	if tokenizer == nil {
		tokenizer = estimatorTokenizer{}
	}
	return &PromptOptimizer{
		maxCompression: max,
		tokenizer:      tokenizer,
		logger:         core.EnsureLogger(cfg.Logger),
	}
}

// Optimize runs the compression pipeline. If the token reduction exceeds
// the configured ratio the original prompt is returned unchanged.
func (o *PromptOptimizer) Optimize(prompt string) string {
	if strings.TrimSpace(prompt) == "" {
		return prompt
	}

	out := normalizeWhitespace(prompt)
	out = removeRedundantPhrases(out)
	out = compressInstructions(out)
	out = collapsePunctuation(out)
	out = numberWordsToDigits(out)
	out = collapseEmptyLines(out)
	out = strings.TrimSpace(out)

	before := o.tokenizer.Count(prompt)
	after := o.tokenizer.Count(out)
	if before == 0 {
		return prompt
	}
	reduction := float64(before-after) / float64(before)
	if reduction > o.maxCompression {
		o.logger.Debug("Prompt compression over limit, keeping original", map[string]interface{}{
			"tokens_before": before,
			"tokens_after":  after,
			"reduction":     reduction,
		})
		return prompt
	}
	return out
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(spaceRuns.ReplaceAllString(line, " "), " ")
	}
	return strings.Join(lines, "\n")
}

func removeRedundantPhrases(s string) string {
	lower := strings.ToLower(s)
	for _, phrase := range redundantPhrases {
		for {
			idx := strings.Index(lower, phrase)
			if idx < 0 {
				break
			}
			s = s[:idx] + s[idx+len(phrase):]
			lower = lower[:idx] + lower[idx+len(phrase):]
		}
	}
	return s
}

func compressInstructions(s string) string {
	lower := strings.ToLower(s)
	for _, pair := range phraseReplacements {
		for {
			idx := strings.Index(lower, pair[0])
			if idx < 0 {
				break
			}
			s = s[:idx] + pair[1] + s[idx+len(pair[0]):]
			lower = lower[:idx] + pair[1] + lower[idx+len(pair[0]):]
		}
	}
	return s
}

func collapsePunctuation(s string) string {
	s = exclaimRuns.ReplaceAllString(s, "!")
	s = questionRuns.ReplaceAllString(s, "?")
	s = ellipsisRuns.ReplaceAllString(s, "...")
	s = commaRuns.ReplaceAllString(s, ",")
	return s
}

func numberWordsToDigits(s string) string {
	for i, pattern := range numberWordPatterns {
		s = pattern.ReplaceAllString(s, numberWords[i][1])
	}
	return s
}

func collapseEmptyLines(s string) string {
	return emptyLines.ReplaceAllString(s, "\n\n")
}
