package conversation

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// Summarizer folds pruned turns into a running summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []Turn) (string, error)
}

// DefaultSummaryChars bounds extractive summaries.
const DefaultSummaryChars = 4000

// ExtractiveSummarizer keeps the first sentence of every turn. It is
// deterministic and never fails, so it is the default.
type ExtractiveSummarizer struct {
	// MaxChars bounds the summary; the oldest lines are dropped first.
	MaxChars int
}

// NewExtractiveSummarizer creates a summarizer bounded to maxChars (0 = default).
func NewExtractiveSummarizer(maxChars int) *ExtractiveSummarizer {
	if maxChars <= 0 {
		maxChars = DefaultSummaryChars
	}
	return &ExtractiveSummarizer{MaxChars: maxChars}
}

// Summarize appends one "role: first sentence" line per turn to previous.
func (s *ExtractiveSummarizer) Summarize(ctx context.Context, previous string, turns []Turn) (string, error) {
	lines := make([]string, 0, len(turns)+1)
	if previous != "" {
		lines = append(lines, strings.Split(previous, "\n")...)
	}
	for _, t := range turns {
		sentence := firstSentence(t.Text)
		if sentence == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, sentence))
	}
	return boundLines(lines, s.MaxChars), nil
}

// firstSentence returns the first sentence of text with whitespace collapsed.
// Sentences shorter than 10 characters are extended to the next boundary.
func firstSentence(text string) string {
	text = strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if sentence := strings.TrimSpace(current.String()); len(sentence) > 10 {
				return sentence
			}
		}
	}
	return strings.TrimSpace(current.String())
}

// boundLines joins lines, dropping the oldest until the result fits max.
// A single line longer than max is truncated.
func boundLines(lines []string, max int) string {
	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		n := len(lines[i])
		if start < len(lines) {
			n++ // newline
		}
		if total+n > max {
			break
		}
		total += n
		start = i
	}
	if start == len(lines) && len(lines) > 0 {
		last := lines[len(lines)-1]
		if len(last) > max {
			last = last[:max]
		}
		return last
	}
	return strings.Join(lines[start:], "\n")
}
