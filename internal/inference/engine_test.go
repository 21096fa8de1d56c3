package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/gardener/internal/adapter"
	"github.com/fyrsmithlabs/gardener/internal/conversation"
	"github.com/fyrsmithlabs/gardener/internal/kvstore"
	"github.com/fyrsmithlabs/gardener/internal/switcher"
	"github.com/fyrsmithlabs/gardener/internal/vectorindex"
)

type fakeModel struct {
	response string
	err      error
	prompts  []string
	models   []string
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, opt := range options {
		opt(&opts)
	}
	m.models = append(m.models, opts.Model)
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				m.prompts = append(m.prompts, text.Text)
			}
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.response}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

type fakeSessions struct {
	session *switcher.ActiveSession
	calls   int
}

func (f *fakeSessions) WithSession(ctx context.Context, fn func(ctx context.Context, s *switcher.ActiveSession) error) error {
	f.calls++
	return fn(ctx, f.session)
}

type fakeAdapter struct{ name string }

func (a fakeAdapter) Artifact() adapter.Artifact { return adapter.Artifact{} }
func (a fakeAdapter) ModelName() string          { return a.name }

type fakeIndex struct {
	snippets []vectorindex.Snippet
	err      error
	queries  []string
}

func (i *fakeIndex) Query(ctx context.Context, text string, k int) ([]vectorindex.Snippet, error) {
	i.queries = append(i.queries, text)
	if i.err != nil {
		return nil, i.err
	}
	if k < len(i.snippets) {
		return i.snippets[:k], nil
	}
	return i.snippets, nil
}

func (i *fakeIndex) EstimatedWorkingSetBytes() int64 { return 0 }
func (i *fakeIndex) Close() error                    { return nil }

func newStore(t *testing.T) *conversation.Store {
	t.Helper()
	store, err := conversation.NewStore(kvstore.NewMemoryStore())
	require.NoError(t, err)
	return store
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestNewEngine_Validation(t *testing.T) {
	store := newStore(t)
	_, err := NewEngine(nil, store, &fakeModel{})
	assert.Error(t, err)
	_, err = NewEngine(&fakeSessions{}, nil, &fakeModel{})
	assert.Error(t, err)
	_, err = NewEngine(&fakeSessions{}, store, nil)
	assert.Error(t, err)
}

func TestAsk_FullSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Append(ctx, "p1", conversation.Turn{Role: conversation.RoleUser, Text: "we use banker's rounding"}))

	index := &fakeIndex{snippets: []vectorindex.Snippet{
		{Path: "money/round.go", StartLine: 12, Content: "func Round(v float64) float64 {\n"},
		{Path: "money/round_test.go", StartLine: 3, Content: "func TestRound(t *testing.T) {}"},
	}}
	sessions := &fakeSessions{session: &switcher.ActiveSession{
		ProjectID:  "p1",
		Adapter:    fakeAdapter{name: "payments-lora"},
		Index:      index,
		Capability: switcher.CapabilityFull,
	}}
	model := &fakeModel{response: " Round lives in money/round.go. "}

	engine, err := NewEngine(sessions, store, model, WithTopK(1), WithClock(fixedClock))
	require.NoError(t, err)

	answer, err := engine.Ask(ctx, "  where is rounding?  ")
	require.NoError(t, err)
	assert.Equal(t, "p1", answer.ProjectID)
	assert.Equal(t, "Round lives in money/round.go.", answer.Text)
	assert.Equal(t, "payments-lora", answer.Model)
	assert.Equal(t, switcher.CapabilityFull, answer.Capability)
	require.Len(t, answer.Snippets, 1)

	assert.Equal(t, []string{"where is rounding?"}, index.queries)
	assert.Equal(t, []string{"payments-lora"}, model.models)
	require.Len(t, model.prompts, 1)
	assert.Contains(t, model.prompts[0], "--- money/round.go:12")
	assert.NotContains(t, model.prompts[0], "round_test.go")
	assert.Contains(t, model.prompts[0], "user: we use banker's rounding")
	assert.Contains(t, model.prompts[0], "user: where is rounding?\nassistant:")

	history, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, history.Turns, 3)
	assert.Equal(t, conversation.RoleUser, history.Turns[1].Role)
	assert.Equal(t, "where is rounding?", history.Turns[1].Text)
	assert.Equal(t, conversation.RoleAssistant, history.Turns[2].Role)
	assert.Equal(t, fixedClock(), history.Turns[2].Timestamp)
}

func TestAsk_BaseModelOnly(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	sessions := &fakeSessions{session: &switcher.ActiveSession{
		ProjectID:  "p1",
		Capability: switcher.CapabilityBase,
	}}
	model := &fakeModel{response: "ok"}
	engine, err := NewEngine(sessions, store, model)
	require.NoError(t, err)

	answer, err := engine.Ask(ctx, "hello")
	require.NoError(t, err)
	assert.Empty(t, answer.Model)
	assert.Empty(t, answer.Snippets)
	assert.Equal(t, []string{""}, model.models, "no model override for the base model")
	assert.NotContains(t, model.prompts[0], "Relevant source:")
}

func TestAsk_RecentTurnsBoundsHistory(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for _, text := range []string{"first question", "second question", "third question"} {
		require.NoError(t, store.Append(ctx, "p1", conversation.Turn{Role: conversation.RoleUser, Text: text}))
	}
	sessions := &fakeSessions{session: &switcher.ActiveSession{ProjectID: "p1", Capability: switcher.CapabilityBase}}
	model := &fakeModel{response: "ok"}
	engine, err := NewEngine(sessions, store, model, WithRecentTurns(1))
	require.NoError(t, err)

	_, err = engine.Ask(ctx, "fourth question")
	require.NoError(t, err)
	require.Len(t, model.prompts, 1)
	assert.Contains(t, model.prompts[0], "user: third question")
	assert.NotContains(t, model.prompts[0], "second question")
	assert.NotContains(t, model.prompts[0], "first question")
}

func TestAsk_NoActiveProjectRecordsNothing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	sessions := &fakeSessions{session: &switcher.ActiveSession{Capability: switcher.CapabilityBase}}
	engine, err := NewEngine(sessions, store, &fakeModel{response: "hi"})
	require.NoError(t, err)

	answer, err := engine.Ask(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi", answer.Text)
	assert.Empty(t, answer.ProjectID)
	assert.False(t, store.Dirty(""))
}

func TestAsk_RetrievalFailureStillAnswers(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	sessions := &fakeSessions{session: &switcher.ActiveSession{
		ProjectID:  "p1",
		Index:      &fakeIndex{err: vectorindex.ErrClosed},
		Capability: switcher.CapabilityBaseIndex,
	}}
	engine, err := NewEngine(sessions, store, &fakeModel{response: "fine"})
	require.NoError(t, err)

	answer, err := engine.Ask(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, "fine", answer.Text)
	assert.Empty(t, answer.Snippets)
}

func TestAsk_Errors(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	sessions := &fakeSessions{session: &switcher.ActiveSession{ProjectID: "p1"}}

	engine, err := NewEngine(sessions, store, &fakeModel{err: errors.New("model offline")})
	require.NoError(t, err)

	_, err = engine.Ask(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Zero(t, sessions.calls)

	_, err = engine.Ask(ctx, "question")
	assert.ErrorContains(t, err, "model offline")
	history, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, history.Turns, "failed answers are not recorded")
}

func TestBuildPrompt_OmitsEmptySections(t *testing.T) {
	out := buildPrompt("", nil, nil, "q")
	assert.NotContains(t, out, "summary")
	assert.NotContains(t, out, "Recent conversation")
	assert.Contains(t, out, "user: q\nassistant:")

	out = buildPrompt("decided X", nil, nil, "q")
	assert.Contains(t, out, "Earlier conversation (summary):\ndecided X")
}
