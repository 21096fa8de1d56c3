// Package inference answers questions against the active project.
//
// The Engine is a reader of the switch coordinator's session: every Ask runs
// under WithSession, so a concurrent switch waits for the answer to finish
// before it unloads the adapter or index the answer is using.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gardener/internal/conversation"
	"github.com/fyrsmithlabs/gardener/internal/switcher"
	"github.com/fyrsmithlabs/gardener/internal/vectorindex"
)

const (
	DefaultTopK        = 4
	DefaultRecentTurns = 6
)

// ErrEmptyPrompt is returned for a blank question.
var ErrEmptyPrompt = errors.New("prompt is empty")

// Sessions exposes the active session to readers.
type Sessions interface {
	WithSession(ctx context.Context, fn func(ctx context.Context, s *switcher.ActiveSession) error) error
}

// Contexts reads and extends per-project conversation context.
type Contexts interface {
	Load(ctx context.Context, id string) (conversation.Context, error)
	Append(ctx context.Context, id string, turn conversation.Turn) error
}

// Answer is the model's reply and what it was grounded on.
type Answer struct {
	ProjectID  string
	Text       string
	Model      string
	Capability switcher.Capability
	Snippets   []vectorindex.Snippet
}

// Engine builds prompts from the active project's context and calls the model.
type Engine struct {
	sessions Sessions
	contexts Contexts
	model    llms.Model

	topK        int
	recentTurns int
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTopK sets how many snippets are retrieved per question.
func WithTopK(k int) Option {
	return func(e *Engine) {
		if k >= 0 {
			e.topK = k
		}
	}
}

// WithRecentTurns sets how many verbatim turns are included in the prompt.
func WithRecentTurns(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.recentTurns = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides time.Now for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine.
func NewEngine(sessions Sessions, contexts Contexts, model llms.Model, opts ...Option) (*Engine, error) {
	if sessions == nil {
		return nil, errors.New("inference: sessions are required")
	}
	if contexts == nil {
		return nil, errors.New("inference: conversation store is required")
	}
	if model == nil {
		return nil, errors.New("inference: model is required")
	}
	e := &Engine{
		sessions:    sessions,
		contexts:    contexts,
		model:       model,
		topK:        DefaultTopK,
		recentTurns: DefaultRecentTurns,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("inference")
	return e, nil
}

// Ask answers prompt with whatever the active session offers. With no
// active project the base model answers and no turns are recorded.
func (e *Engine) Ask(ctx context.Context, prompt string) (*Answer, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	var answer *Answer
	err := e.sessions.WithSession(ctx, func(ctx context.Context, s *switcher.ActiveSession) error {
		var err error
		answer, err = e.ask(ctx, s, prompt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return answer, nil
}

func (e *Engine) ask(ctx context.Context, s *switcher.ActiveSession, prompt string) (*Answer, error) {
	answer := &Answer{
		ProjectID:  s.ProjectID,
		Model:      s.ModelName(),
		Capability: s.Capability,
	}

	var history conversation.Context
	if s.ProjectID != "" {
		var err error
		history, err = e.contexts.Load(ctx, s.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", s.ProjectID, err)
		}
	}

	if s.Index != nil && e.topK > 0 {
		snippets, err := s.Index.Query(ctx, prompt, e.topK)
		if err != nil {
			// Retrieval is an enrichment; the question is still answerable.
			e.logger.Warn("snippet retrieval failed",
				zap.String("project.id", s.ProjectID),
				zap.Error(err))
		} else {
			answer.Snippets = snippets
		}
	}

	full := buildPrompt(history.PrunedSummary, history.Recent(e.recentTurns), answer.Snippets, prompt)

	var callOpts []llms.CallOption
	if answer.Model != "" {
		callOpts = append(callOpts, llms.WithModel(answer.Model))
	}
	text, err := llms.GenerateFromSinglePrompt(ctx, e.model, full, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	answer.Text = strings.TrimSpace(text)

	if s.ProjectID != "" {
		now := e.now().UTC()
		turns := []conversation.Turn{
			{Role: conversation.RoleUser, Text: prompt, Timestamp: now},
			{Role: conversation.RoleAssistant, Text: answer.Text, Timestamp: now},
		}
		for _, t := range turns {
			if err := e.contexts.Append(ctx, s.ProjectID, t); err != nil {
				return nil, fmt.Errorf("record turn %s: %w", s.ProjectID, err)
			}
		}
	}

	e.logger.Debug("question answered",
		zap.String("project.id", s.ProjectID),
		zap.String("capability", string(s.Capability)),
		zap.Int("snippets", len(answer.Snippets)),
		zap.Int("prompt_chars", len(full)))
	return answer, nil
}
