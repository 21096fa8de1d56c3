package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/gardener/internal/secrets"
)

const summaryPrompt = `You maintain a running summary of a developer's conversation about one codebase.
Merge the existing summary with the new turns. Keep decisions, file names, open questions and constraints.
Write plain prose under %d characters. Do not invent facts.

Existing summary:
%s

New turns:
%s

Updated summary:`

// LLMSummarizer asks a language model to fold turns into the summary.
type LLMSummarizer struct {
	model    llms.Model
	maxChars int
	scrubber secrets.Scrubber
}

// NewLLMSummarizer creates a model-backed summarizer. Turn text passes
// through scrubber before it is sent (nil disables scrubbing).
func NewLLMSummarizer(model llms.Model, maxChars int, scrubber secrets.Scrubber) *LLMSummarizer {
	if maxChars <= 0 {
		maxChars = DefaultSummaryChars
	}
	if scrubber == nil {
		scrubber = secrets.Noop{}
	}
	return &LLMSummarizer{model: model, maxChars: maxChars, scrubber: scrubber}
}

// Summarize calls the model once with temperature 0.
func (s *LLMSummarizer) Summarize(ctx context.Context, previous string, turns []Turn) (string, error) {
	if s.model == nil {
		return "", errors.New("llm summarizer: no model configured")
	}

	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, s.scrubber.Scrub(t.Text))
	}
	if previous == "" {
		previous = "(none)"
	}
	prompt := fmt.Sprintf(summaryPrompt, s.maxChars, previous, b.String())

	out, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt,
		llms.WithTemperature(0),
		llms.WithMaxTokens(s.maxChars/3))
	if err != nil {
		return "", fmt.Errorf("llm summarize: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("llm summarize: empty response")
	}
	if len(out) > s.maxChars {
		out = out[:s.maxChars]
	}
	return out, nil
}
