package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gardener/internal/kvstore"
)

const keyNamespace = "conversations"

// Default pruning limits.
const (
	DefaultMaxTurns    = 50
	DefaultRetainTurns = 20
)

// ErrInvalidLimits indicates RetainTurns is not below MaxTurns.
var ErrInvalidLimits = errors.New("retain turns must be positive and below max turns")

// entry is the single in-memory holder of one project's context.
type entry struct {
	mu      sync.Mutex
	ctx     Context
	dirty   bool
	loaded  bool
	evicted bool
}

// Store is the ProjectContextStore: per-project conversation state backed by a kvstore.
type Store struct {
	mu      sync.Mutex
	kv      kvstore.Store
	entries map[string]*entry

	summarizer  Summarizer
	maxTurns    int
	retainTurns int
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSummarizer sets the summarizer used for pruning.
func WithSummarizer(s Summarizer) Option {
	return func(st *Store) {
		st.summarizer = s
	}
}

// WithLimits sets the pruning thresholds.
func WithLimits(maxTurns, retainTurns int) Option {
	return func(st *Store) {
		st.maxTurns = maxTurns
		st.retainTurns = retainTurns
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(st *Store) {
		st.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(st *Store) {
		st.now = now
	}
}

// NewStore creates a Store. The default summarizer is extractive.
func NewStore(kv kvstore.Store, opts ...Option) (*Store, error) {
	s := &Store{
		kv:          kv,
		entries:     make(map[string]*entry),
		maxTurns:    DefaultMaxTurns,
		retainTurns: DefaultRetainTurns,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.summarizer == nil {
		s.summarizer = NewExtractiveSummarizer(0)
	}
	if s.retainTurns <= 0 || s.retainTurns >= s.maxTurns {
		return nil, fmt.Errorf("%w: max=%d retain=%d", ErrInvalidLimits, s.maxTurns, s.retainTurns)
	}
	return s, nil
}

// holder returns the entry for id, creating an unloaded one if needed.
func (s *Store) holder(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{ctx: Context{ProjectID: id}}
		s.entries[id] = e
	}
	return e
}

// acquire returns the locked, live entry for id.
func (s *Store) acquire(id string) *entry {
	for {
		e := s.holder(id)
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

// hydrate loads the persisted context into e. Caller must hold e.mu.
func (s *Store) hydrate(ctx context.Context, id string, e *entry) error {
	if e.loaded {
		return nil
	}
	blob, err := s.kv.Load(ctx, kvstore.Key(keyNamespace, id))
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		e.ctx = Context{ProjectID: id}
	case err != nil:
		return fmt.Errorf("load conversation %s: %w", id, err)
	default:
		var c Context
		if err := json.Unmarshal(blob, &c); err != nil {
			return fmt.Errorf("decode conversation %s: %w", id, err)
		}
		c.ProjectID = id
		e.ctx = c
	}
	e.loaded = true
	return nil
}

// Load returns a copy of the project's context; empty if none persisted.
func (s *Store) Load(ctx context.Context, id string) (Context, error) {
	e := s.acquire(id)
	defer e.mu.Unlock()
	if err := s.hydrate(ctx, id, e); err != nil {
		return Context{}, err
	}
	return e.ctx.Clone(), nil
}

// Append adds a turn. Text is stored verbatim; a zero timestamp is stamped.
// When the turn count exceeds MaxTurns the oldest turns beyond RetainTurns
// are summarized. A summarizer failure keeps every turn and is not an error.
func (s *Store) Append(ctx context.Context, id string, turn Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now().UTC()
	}

	e := s.acquire(id)
	defer e.mu.Unlock()
	if err := s.hydrate(ctx, id, e); err != nil {
		return err
	}

	e.ctx.Turns = append(e.ctx.Turns, turn)
	e.ctx.UpdatedAt = s.now().UTC()
	e.dirty = true

	if len(e.ctx.Turns) > s.maxTurns {
		s.prune(ctx, e)
	}
	return nil
}

// prune folds the oldest turns into the summary. Caller must hold e.mu.
func (s *Store) prune(ctx context.Context, e *entry) {
	cut := len(e.ctx.Turns) - s.retainTurns
	old := e.ctx.Turns[:cut]

	summary, err := s.summarizer.Summarize(ctx, e.ctx.PrunedSummary, old)
	if err != nil {
		s.logger.Warn("conversation pruning skipped; keeping all turns",
			zap.String("project.id", e.ctx.ProjectID),
			zap.Int("turns", len(e.ctx.Turns)),
			zap.Error(err))
		return
	}

	kept := make([]Turn, s.retainTurns)
	copy(kept, e.ctx.Turns[cut:])
	e.ctx.Turns = kept
	e.ctx.PrunedSummary = summary
	e.ctx.PrunedTurns += cut

	s.logger.Debug("conversation pruned",
		zap.String("project.id", e.ctx.ProjectID),
		zap.Int("pruned", cut),
		zap.Int("retained", len(kept)))
}

// Persist flushes the in-memory context to the kvstore. A context that was
// never loaded has nothing to flush.
func (s *Store) Persist(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return nil
	}
	return s.persistLocked(ctx, id, e)
}

func (s *Store) persistLocked(ctx context.Context, id string, e *entry) error {
	if !e.loaded || !e.dirty {
		return nil
	}
	blob, err := json.Marshal(e.ctx)
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", id, err)
	}
	if err := s.kv.Save(ctx, kvstore.Key(keyNamespace, id), blob); err != nil {
		return fmt.Errorf("persist conversation %s: %w", id, err)
	}
	e.dirty = false
	return nil
}

// Dirty reports whether the project has unpersisted changes.
func (s *Store) Dirty(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// Evict persists the context and drops it from memory.
func (s *Store) Evict(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.persistLocked(ctx, id, e); err != nil {
		return err
	}
	e.evicted = true

	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return nil
}

// Delete drops the context from memory and storage.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.evicted = true
		e.dirty = false
		e.mu.Unlock()
	}

	if err := s.kv.Delete(ctx, kvstore.Key(keyNamespace, id)); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// Close persists every dirty context. All errors are joined.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Persist(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
