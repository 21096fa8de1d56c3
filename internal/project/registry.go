package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gardener/internal/kvstore"
)

// keyNamespace is the kvstore namespace for project records.
const keyNamespace = "projects"

// Registry is the authoritative source of project records and status.
type Registry struct {
	mu       sync.RWMutex
	store    kvstore.Store
	projects map[string]*Project // id -> project (removed projects kept as tombstones)

	logger   *zap.Logger
	now      func() time.Time
	revision func(dir string) string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithRevisionFunc overrides how the source revision is read at registration.
func WithRevisionFunc(fn func(dir string) string) Option {
	return func(r *Registry) {
		r.revision = fn
	}
}

// NewRegistry loads all persisted projects from store.
func NewRegistry(ctx context.Context, store kvstore.Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("project registry: store is required")
	}
	r := &Registry{
		store:    store,
		projects: make(map[string]*Project),
		logger:   zap.NewNop(),
		now:      time.Now,
		revision: SourceRevision,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load(ctx context.Context) error {
	keys, err := r.store.List(ctx, keyNamespace)
	if err != nil {
		return fmt.Errorf("list project records: %w", err)
	}
	for _, key := range keys {
		blob, err := r.store.Load(ctx, key)
		if err != nil {
			return fmt.Errorf("load %s: %w", key, err)
		}
		var p Project
		if err := json.Unmarshal(blob, &p); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptRecord, key, err)
		}
		r.projects[p.ID] = &p
	}
	r.logger.Debug("project registry loaded", zap.Int("projects", len(r.projects)))
	return nil
}

// save persists p. Caller must hold r.mu.
func (r *Registry) save(ctx context.Context, p *Project) error {
	blob, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project %s: %w", p.ID, err)
	}
	if err := r.store.Save(ctx, kvstore.Key(keyNamespace, p.ID), blob); err != nil {
		return fmt.Errorf("persist project %s: %w", p.ID, err)
	}
	return nil
}

// Register canonicalizes sourcePath and creates a project in registering.
// An equivalent path that is registered and not removed fails with ErrDuplicateProject.
func (r *Registry) Register(ctx context.Context, sourcePath, displayName string) (string, error) {
	canonical, err := Canonicalize(sourcePath)
	if err != nil {
		return "", err
	}
	id := IDForPath(canonical)
	if strings.TrimSpace(displayName) == "" {
		displayName = filepath.Base(canonical)
	}
	revision := r.revision(canonical)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.projects[id]; ok && existing.Status != StatusRemoved {
		return "", fmt.Errorf("%w: %s is project %s (%s)", ErrDuplicateProject, canonical, id, existing.Status)
	}

	now := r.now().UTC()
	p := &Project{
		ID:             id,
		DisplayName:    displayName,
		SourcePath:     canonical,
		Status:         StatusUnregistered,
		SourceRevision: revision,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := transition(p, StatusRegistering); err != nil {
		return "", err
	}
	if err := r.save(ctx, p); err != nil {
		return "", err
	}
	r.projects[id] = p

	r.logger.Info("project registered",
		zap.String("project.id", id),
		zap.String("path", canonical),
		zap.String("revision", revision))
	return id, nil
}

// MarkReady moves a registering or training project to ready with refs.
func (r *Registry) MarkReady(ctx context.Context, id string, refs Refs) error {
	return r.mutate(ctx, id, func(p *Project) error {
		if err := transition(p, StatusReady); err != nil {
			return err
		}
		p.AdapterRef = refs.AdapterRef
		p.IndexRef = refs.IndexRef
		p.StatusDetail = ""
		return nil
	})
}

// MarkTraining moves a ready or error project to training.
func (r *Registry) MarkTraining(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(p *Project) error {
		return transition(p, StatusTraining)
	})
}

// MarkError moves a registering or training project to error with detail.
func (r *Registry) MarkError(ctx context.Context, id, detail string) error {
	return r.mutate(ctx, id, func(p *Project) error {
		if err := transition(p, StatusError); err != nil {
			return err
		}
		p.StatusDetail = detail
		return nil
	})
}

// Remove moves a project to retiring. Already retiring or removed is a no-op.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Status == StatusRetiring || p.Status == StatusRemoved {
		return nil
	}
	next := p.Clone()
	if err := transition(next, StatusRetiring); err != nil {
		return err
	}
	next.UpdatedAt = r.now().UTC()
	if err := r.save(ctx, next); err != nil {
		return err
	}
	r.projects[id] = next
	r.logger.Info("project retiring", zap.String("project.id", id))
	return nil
}

// ConfirmRemoved finishes removal once dependent artifacts are gone.
// The persisted record is deleted; an in-memory tombstone keeps the call idempotent.
func (r *Registry) ConfirmRemoved(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Status == StatusRemoved {
		return nil
	}
	next := p.Clone()
	if err := transition(next, StatusRemoved); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, kvstore.Key(keyNamespace, id)); err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	next.UpdatedAt = r.now().UTC()
	r.projects[id] = next
	r.logger.Info("project removed", zap.String("project.id", id))
	return nil
}

// Touch records that the project became active at at.
func (r *Registry) Touch(ctx context.Context, id string, at time.Time) error {
	return r.mutate(ctx, id, func(p *Project) error {
		p.LastActiveAt = at.UTC()
		return nil
	})
}

// Get returns a copy of the project. Removed projects are not found.
func (r *Registry) Get(ctx context.Context, id string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok || p.Status == StatusRemoved {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

// List returns copies of non-removed projects, most recently active first.
// Never-active projects come last, newest registration first.
func (r *Registry) List(ctx context.Context) ([]*Project, error) {
	r.mu.RLock()
	out := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		if p.Status != StatusRemoved {
			out = append(out, p.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LastActiveAt.Equal(b.LastActiveAt) {
			if a.LastActiveAt.IsZero() || b.LastActiveAt.IsZero() {
				return b.LastActiveAt.IsZero()
			}
			return a.LastActiveAt.After(b.LastActiveAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

// mutate applies fn to a copy of the project and commits it only if fn and
// persistence both succeed.
func (r *Registry) mutate(ctx context.Context, id string, fn func(p *Project) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok || p.Status == StatusRemoved {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := p.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = r.now().UTC()
	if err := r.save(ctx, next); err != nil {
		return err
	}
	r.projects[id] = next

	if next.Status != p.Status {
		r.logger.Info("project status changed",
			zap.String("project.id", id),
			zap.String("from", string(p.Status)),
			zap.String("to", string(next.Status)))
	}
	return nil
}

func transition(p *Project, to Status) error {
	if !p.Status.CanTransitionTo(to) {
		return &InvalidTransitionError{ID: p.ID, From: p.Status, To: to}
	}
	p.Status = to
	return nil
}
