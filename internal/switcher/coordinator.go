package switcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gardener/internal/adapter"
	"github.com/fyrsmithlabs/gardener/internal/budget"
	"github.com/fyrsmithlabs/gardener/internal/conversation"
	"github.com/fyrsmithlabs/gardener/internal/project"
	"github.com/fyrsmithlabs/gardener/internal/vectorindex"
)

// Registry is the part of the project registry the coordinator uses.
type Registry interface {
	Get(ctx context.Context, id string) (*project.Project, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Remove(ctx context.Context, id string) error
	ConfirmRemoved(ctx context.Context, id string) error
}

// AdapterStore resolves adapter artifact metadata.
type AdapterStore interface {
	Get(ctx context.Context, projectID string) (*adapter.Artifact, error)
	Delete(ctx context.Context, projectID string) error
}

// ContextStore holds per-project conversation state.
type ContextStore interface {
	Load(ctx context.Context, id string) (conversation.Context, error)
	Persist(ctx context.Context, id string) error
	Dirty(id string) bool
	Evict(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Budget is the memory ledger. *budget.Budget implements it.
type Budget interface {
	Reserve(bytes int64, label string) (*budget.Reservation, error)
	Release(r *budget.Reservation) error
	Fits(bytes int64) bool
	Available() int64
	Committed() int64
	Ceiling() int64
}

// Dependencies are the coordinator's collaborators. All but DeleteIndex
// are required.
type Dependencies struct {
	Registry Registry
	Budget   Budget
	Adapters AdapterStore
	Loader   adapter.Loader
	Indexes  vectorindex.Opener
	Contexts ContextStore

	// DeleteIndex removes a project's index from disk on RemoveProject.
	DeleteIndex func(ref string) error
}

// Config tunes the coordinator.
type Config struct {
	// BaseModelID is the model adapters must have been trained against.
	BaseModelID string
	// Timeout bounds adapter loading plus index opening. Zero disables it.
	Timeout time.Duration
	// WarmSlots is how many switched-away projects keep their resources.
	WarmSlots int
}

// DefaultConfig returns a Config with a 30s load timeout and no warm cache.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a custom logger.
func WithLogger(l *Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMetrics sets custom metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock overrides the clock used for activation timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator owns the active session and serializes switches.
type Coordinator struct {
	deps    Dependencies
	config  Config
	logger  *Logger
	metrics *Metrics
	now     func() time.Time

	// switchLock serializes every operation that changes the session or
	// the warm cache. closed is guarded by it.
	switchLock fifoLock
	closed     bool

	// mu guards session: readers hold it for the length of a query, the
	// commit step takes it exclusively. Once the eviction pass drops the
	// active project's resources the switch keeps mu until it commits or
	// rolls back; sessionHeld records that and is guarded by switchLock.
	mu          sync.RWMutex
	session     *ActiveSession
	sessionHeld bool

	warm *warmCache
	late sync.WaitGroup
}

// NewCoordinator creates a coordinator with the base model active.
func NewCoordinator(deps Dependencies, config Config, opts ...Option) (*Coordinator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("switcher: registry is required")
	case deps.Budget == nil:
		return nil, errors.New("switcher: budget is required")
	case deps.Adapters == nil:
		return nil, errors.New("switcher: adapter store is required")
	case deps.Loader == nil:
		return nil, errors.New("switcher: adapter loader is required")
	case deps.Indexes == nil:
		return nil, errors.New("switcher: index opener is required")
	case deps.Contexts == nil:
		return nil, errors.New("switcher: context store is required")
	}
	if config.BaseModelID == "" {
		return nil, errors.New("switcher: base model id is required")
	}
	if config.Timeout < 0 {
		return nil, fmt.Errorf("switcher: timeout must not be negative, got %s", config.Timeout)
	}

	metrics, _ := NewMetrics(nil)
	c := &Coordinator{
		deps:    deps,
		config:  config,
		logger:  NewLogger(nil),
		metrics: metrics,
		now:     time.Now,
		session: &ActiveSession{Capability: CapabilityBase},
		warm:    newWarmCache(config.WarmSlots),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SwitchTo makes projectID the active project. Loading problems and
// resource pressure are reported in the result; the only error returned is
// project.ErrNotFound (or ErrClosed).
func (c *Coordinator) SwitchTo(ctx context.Context, projectID string) (*SwitchResult, error) {
	return c.run(ctx, "switcher.switch_to", projectID, func(ctx context.Context) (*SwitchResult, error) {
		return c.switchTo(ctx, projectID)
	})
}

// Deactivate returns to the base model with no project active.
func (c *Coordinator) Deactivate(ctx context.Context) (*SwitchResult, error) {
	return c.run(ctx, "switcher.deactivate", "", func(ctx context.Context) (*SwitchResult, error) {
		prev := c.session
		result := &SwitchResult{PreviousProjectID: prev.ProjectID}
		if prev.ProjectID == "" {
			return c.noop(result), nil
		}
		return c.commit(ctx, result, &ActiveSession{Capability: CapabilityBase}), nil
	})
}

// run takes the switch lock, times the attempt, and reports it.
func (c *Coordinator) run(ctx context.Context, name, projectID string, fn func(context.Context) (*SwitchResult, error)) (*SwitchResult, error) {
	start := time.Now()
	ctx, span := StartSpan(ctx, name, projectID)

	var (
		result *SwitchResult
		err    error
	)
	if lockErr := c.switchLock.Lock(ctx); lockErr != nil {
		result = c.fail(&SwitchResult{ProjectID: projectID, PreviousProjectID: c.Active().ProjectID}, ReasonCancelled)
	} else {
		if c.closed {
			err = ErrClosed
		} else {
			result, err = fn(ctx)
		}
		c.switchLock.Unlock()
	}

	if result != nil {
		result.Duration = time.Since(start)
		c.report(ctx, result)
	}
	endSpan(span, result, err)
	return result, err
}

func (c *Coordinator) switchTo(ctx context.Context, projectID string) (*SwitchResult, error) {
	p, err := c.deps.Registry.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	prev := c.session
	result := &SwitchResult{ProjectID: projectID, PreviousProjectID: prev.ProjectID}

	if p.Status == project.StatusRetiring {
		return c.fail(result, ReasonProjectRetiring), nil
	}
	if prev.ProjectID == projectID {
		return c.noop(result), nil
	}
	if ctx.Err() != nil {
		return c.fail(result, ReasonCancelled), nil
	}

	if parked, ok := c.warm.take(projectID); ok {
		if parked.matches(p) {
			result.WarmHit = true
			return c.commit(ctx, result, parked), nil
		}
		c.unload(ctx, parked)
	}

	next, evictedActive, reason := c.prepare(ctx, p, result, true)
	if reason == "" {
		if _, err := c.deps.Contexts.Load(ctx, projectID); err != nil {
			c.logger.Warn(ctx, "conversation context unavailable", err, zap.String("project.id", projectID))
			reason = ReasonContextUnavailable
		} else if ctx.Err() != nil {
			reason = ReasonCancelled
		}
		if reason != "" {
			c.unload(ctx, next)
		}
	}
	if reason != "" {
		if evictedActive != "" {
			c.rollback(ctx, evictedActive)
		}
		return c.fail(result, reason), nil
	}
	return c.commit(ctx, result, next), nil
}

// loadPlan is what a switch will try to load and what it costs.
type loadPlan struct {
	artifact     *adapter.Artifact
	adapterBytes int64
	indexRef     string
	indexBytes   int64
	reasons      []Reason
}

func (lp loadPlan) cost() int64 {
	return lp.adapterBytes + lp.indexBytes
}

// plan resolves the project's refs into loadable resources. Anything that
// cannot be loaded becomes a degradation reason.
func (c *Coordinator) plan(ctx context.Context, p *project.Project) loadPlan {
	var lp loadPlan

	if p.Status != project.StatusReady {
		lp.reasons = append(lp.reasons, ReasonNotReady)
		c.logger.Warn(ctx, "project not ready; using base model", nil,
			zap.String("project.id", p.ID),
			zap.String("status", string(p.Status)))
	} else if p.HasAdapter() {
		a, err := guard(func() (*adapter.Artifact, error) { return c.deps.Adapters.Get(ctx, p.ID) })
		switch {
		case err != nil:
			lp.reasons = append(lp.reasons, ReasonAdapterLoadFailed)
			c.logger.ResourceFailed(ctx, p.ID, ReasonAdapterLoadFailed, err)
		case a.ContentHash != p.AdapterRef:
			lp.reasons = append(lp.reasons, ReasonAdapterLoadFailed)
			c.logger.ResourceFailed(ctx, p.ID, ReasonAdapterLoadFailed,
				fmt.Errorf("%w: project records %s, store has %s", adapter.ErrHashMismatch, p.AdapterRef, a.ContentHash))
		case !a.CompatibleWith(c.config.BaseModelID):
			lp.reasons = append(lp.reasons, ReasonIncompatibleAdapter)
			c.logger.ResourceFailed(ctx, p.ID, ReasonIncompatibleAdapter,
				fmt.Errorf("adapter trained on %q, base model is %q", a.BaseModelID, c.config.BaseModelID))
		default:
			lp.artifact = a
			lp.adapterBytes = a.SizeBytes
		}
	}

	if p.HasIndex() {
		est, err := guard(func() (int64, error) { return c.deps.Indexes.Estimate(ctx, p.IndexRef) })
		if err != nil {
			lp.reasons = append(lp.reasons, ReasonIndexOpenFailed)
			c.logger.ResourceFailed(ctx, p.ID, ReasonIndexOpenFailed, err)
		} else {
			lp.indexRef = p.IndexRef
			lp.indexBytes = est
		}
	}
	return lp
}

// prepare reserves budget for p and loads its resources. It returns the
// loaded session, the id of the previously active project if its resources
// had to be evicted, and a failure reason when nothing may be committed.
func (c *Coordinator) prepare(ctx context.Context, p *project.Project, result *SwitchResult, evict bool) (*ActiveSession, string, Reason) {
	lp := c.plan(ctx, p)
	next := &ActiveSession{
		ProjectID:  p.ID,
		Reasons:    lp.reasons,
		status:     p.Status,
		adapterRef: p.AdapterRef,
		indexRef:   p.IndexRef,
	}

	var (
		res           *budget.Reservation
		evictedActive string
	)
	if cost := lp.cost(); cost > 0 {
		var err error
		res, err = c.deps.Budget.Reserve(cost, reservationLabel(p.ID))
		if errors.Is(err, budget.ErrBudgetExceeded) && evict {
			var fits bool
			evictedActive, fits = c.makeRoom(ctx, cost, result)
			if !fits {
				c.logger.Warn(ctx, "not enough memory for project", err, zap.String("project.id", p.ID))
				return nil, evictedActive, ReasonInsufficientMemory
			}
			res, err = c.deps.Budget.Reserve(cost, reservationLabel(p.ID))
		}
		if err != nil {
			c.logger.Warn(ctx, "not enough memory for project", err, zap.String("project.id", p.ID))
			return nil, evictedActive, ReasonInsufficientMemory
		}
	}

	out, reason := c.loadWithTimeout(ctx, p.ID, lp)
	if reason != "" {
		c.release(ctx, res)
		return nil, evictedActive, reason
	}

	if lp.artifact != nil {
		if out.adapterErr == nil && out.adapter == nil {
			out.adapterErr = errors.New("loader returned no handle")
		}
		if out.adapterErr != nil {
			next.Reasons = append(next.Reasons, ReasonAdapterLoadFailed)
			c.logger.ResourceFailed(ctx, p.ID, ReasonAdapterLoadFailed, out.adapterErr)
		} else {
			next.Adapter = out.adapter
		}
	}
	if lp.indexRef != "" {
		if out.indexErr == nil && out.index == nil {
			out.indexErr = errors.New("opener returned no handle")
		}
		if out.indexErr != nil {
			next.Reasons = append(next.Reasons, ReasonIndexOpenFailed)
			c.logger.ResourceFailed(ctx, p.ID, ReasonIndexOpenFailed, out.indexErr)
		} else {
			next.Index = out.index
		}
	}

	next.reservations = c.settle(ctx, next, lp, res)
	next.Capability = capabilityOf(next.Adapter != nil, next.Index != nil)
	return next, evictedActive, ""
}

// makeRoom runs the eviction pass for a reservation of cost bytes: parked
// sessions go first, least recently used first, then the active project's
// resources. Nothing is evicted when even all of that would not make room.
func (c *Coordinator) makeRoom(ctx context.Context, cost int64, result *SwitchResult) (string, bool) {
	active := c.session
	evictable := c.warm.reservedBytes()
	if active.ProjectID != "" {
		evictable += active.ReservedBytes()
	}
	if c.deps.Budget.Available()+evictable < cost {
		return "", false
	}

	for !c.deps.Budget.Fits(cost) {
		parked, ok := c.warm.popOldest()
		if !ok {
			break
		}
		bytes := parked.ReservedBytes()
		c.unload(ctx, parked)
		c.evictContext(ctx, parked.ProjectID)
		result.Evicted = append(result.Evicted, parked.ProjectID)
		c.logger.Evicted(ctx, parked.ProjectID, bytes, false)
		c.metrics.RecordEviction(ctx, false)
	}
	if c.deps.Budget.Fits(cost) {
		return "", true
	}
	if active.ProjectID == "" || !active.holdsResources() {
		return "", false
	}

	// The active project drops to base model only. Its conversation is
	// persisted before anything is released. Readers stay blocked until the
	// switch commits or rolls back.
	c.holdSession()
	c.persistContext(ctx, active.ProjectID)
	c.session = &ActiveSession{
		ProjectID:   active.ProjectID,
		Capability:  CapabilityBase,
		ActivatedAt: active.ActivatedAt,
		status:      active.status,
	}

	bytes := active.ReservedBytes()
	c.unload(ctx, active)
	result.Evicted = append(result.Evicted, active.ProjectID)
	c.logger.Evicted(ctx, active.ProjectID, bytes, true)
	c.metrics.RecordEviction(ctx, true)
	return active.ProjectID, c.deps.Budget.Fits(cost)
}

// rollback reloads the project whose resources the eviction pass dropped
// and releases the session lock the eviction took. On failure the project
// stays active on the base model.
func (c *Coordinator) rollback(ctx context.Context, projectID string) {
	defer c.releaseSession()

	ctx = context.WithoutCancel(ctx)
	p, err := c.deps.Registry.Get(ctx, projectID)
	if err != nil {
		c.logger.Warn(ctx, "rollback skipped", err, zap.String("project.id", projectID))
		return
	}
	restored, _, reason := c.prepare(ctx, p, &SwitchResult{}, false)
	if reason != "" {
		c.logger.RolledBack(ctx, projectID, CapabilityBase)
		return
	}

	restored.ActivatedAt = c.session.ActivatedAt
	c.session = restored
	c.logger.RolledBack(ctx, projectID, restored.Capability)
}

// holdSession takes the session write lock for the rest of the switch.
// Caller must hold switchLock.
func (c *Coordinator) holdSession() {
	if !c.sessionHeld {
		c.mu.Lock()
		c.sessionHeld = true
	}
}

// releaseSession undoes holdSession.
func (c *Coordinator) releaseSession() {
	if c.sessionHeld {
		c.sessionHeld = false
		c.mu.Unlock()
	}
}

// loaded carries what a load attempt produced.
type loaded struct {
	adapter    adapter.Handle
	adapterErr error
	index      vectorindex.Handle
	indexErr   error
}

// loadWithTimeout loads the plan's resources within the configured timeout.
// Handles that arrive after the deadline are closed in the background.
func (c *Coordinator) loadWithTimeout(ctx context.Context, projectID string, lp loadPlan) (loaded, Reason) {
	if lp.artifact == nil && lp.indexRef == "" {
		return loaded{}, ""
	}

	loadCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.config.Timeout > 0 {
		loadCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
	}
	defer cancel()

	done := make(chan loaded, 1)
	go func() {
		done <- c.load(loadCtx, lp)
	}()

	select {
	case out := <-done:
		return out, ""
	case <-loadCtx.Done():
		c.late.Add(1)
		go c.discardLate(context.WithoutCancel(ctx), projectID, done)
		if ctx.Err() != nil {
			return loaded{}, ReasonCancelled
		}
		return loaded{}, ReasonTimeout
	}
}

func (c *Coordinator) load(ctx context.Context, lp loadPlan) loaded {
	var out loaded
	if lp.artifact != nil {
		out.adapter, out.adapterErr = guard(func() (adapter.Handle, error) {
			return c.deps.Loader.Load(ctx, *lp.artifact)
		})
	}
	if lp.indexRef != "" {
		out.index, out.indexErr = guard(func() (vectorindex.Handle, error) {
			return c.deps.Indexes.Open(ctx, lp.indexRef)
		})
	}
	return out
}

func (c *Coordinator) discardLate(ctx context.Context, projectID string, done <-chan loaded) {
	defer c.late.Done()
	out := <-done
	if out.adapter == nil && out.index == nil {
		return
	}
	c.closeHandles(ctx, projectID, out.adapter, out.index)
	c.logger.LateHandleClosed(ctx, projectID, out.adapter != nil, out.index != nil)
}

// settle matches the reservation to what actually loaded. An index whose
// working set exceeds the estimate needs the difference reserved too;
// resources that failed to load give their share back.
func (c *Coordinator) settle(ctx context.Context, s *ActiveSession, lp loadPlan, res *budget.Reservation) []*budget.Reservation {
	indexBytes := lp.indexBytes
	if s.Index != nil {
		ws, err := guard(func() (int64, error) { return s.Index.EstimatedWorkingSetBytes(), nil })
		if err == nil && ws > indexBytes {
			indexBytes = ws
		}
	}
	need := func() int64 {
		var n int64
		if s.Adapter != nil {
			n += lp.adapterBytes
		}
		if s.Index != nil {
			n += indexBytes
		}
		return n
	}

	var held int64
	if res != nil {
		held = res.Bytes
	}

	if n := need(); n > held {
		delta, err := c.deps.Budget.Reserve(n-held, reservationLabel(s.ProjectID))
		if err == nil {
			return appendReservation(appendReservation(nil, res), delta)
		}
		c.logger.ResourceFailed(ctx, s.ProjectID, ReasonIndexOpenFailed, fmt.Errorf("index working set: %w", err))
		c.closeHandles(ctx, s.ProjectID, nil, s.Index)
		s.Index = nil
		s.Reasons = append(s.Reasons, ReasonIndexOpenFailed)
	}

	n := need()
	if n == held {
		return appendReservation(nil, res)
	}
	c.release(ctx, res)
	if n == 0 {
		return nil
	}
	smaller, err := c.deps.Budget.Reserve(n, reservationLabel(s.ProjectID))
	if err != nil {
		c.logger.Error(ctx, "could not re-reserve loaded resources", err, zap.String("project.id", s.ProjectID))
		c.closeHandles(ctx, s.ProjectID, s.Adapter, s.Index)
		if s.Adapter != nil {
			s.Reasons = append(s.Reasons, ReasonAdapterLoadFailed)
		}
		if s.Index != nil {
			s.Reasons = append(s.Reasons, ReasonIndexOpenFailed)
		}
		s.Adapter, s.Index = nil, nil
		return nil
	}
	return []*budget.Reservation{smaller}
}

// commit publishes next as the active session and retires the previous one.
func (c *Coordinator) commit(ctx context.Context, result *SwitchResult, next *ActiveSession) *SwitchResult {
	next.ActivatedAt = c.now().UTC()
	if next.Capability == "" {
		next.Capability = capabilityOf(next.Adapter != nil, next.Index != nil)
	}

	c.holdSession()
	prev := c.session
	if prev.ProjectID != "" {
		c.persistContext(ctx, prev.ProjectID)
	}
	c.session = next
	c.releaseSession()

	// Readers of prev finished before the write lock was granted.
	c.retire(ctx, prev)

	if next.ProjectID != "" {
		if err := c.deps.Registry.Touch(ctx, next.ProjectID, next.ActivatedAt); err != nil {
			c.logger.Warn(ctx, "could not record project activity", err, zap.String("project.id", next.ProjectID))
		}
	}

	result.Outcome = OutcomeSuccess
	if len(next.Reasons) > 0 {
		result.Outcome = OutcomeDegraded
	}
	result.Reasons = append(result.Reasons, next.Reasons...)
	result.AdapterLoaded = next.Adapter != nil
	result.IndexLoaded = next.Index != nil
	result.Capability = next.Capability
	result.ReservedBytes = next.ReservedBytes()
	return result
}

// retire parks a switched-away session in the warm cache or unloads it.
func (c *Coordinator) retire(ctx context.Context, prev *ActiveSession) {
	if prev.ProjectID == "" {
		return
	}
	if !prev.holdsResources() {
		c.evictContext(ctx, prev.ProjectID)
		return
	}
	for _, victim := range c.warm.put(prev) {
		c.unload(ctx, victim)
		c.evictContext(ctx, victim.ProjectID)
	}
}

func (c *Coordinator) noop(result *SwitchResult) *SwitchResult {
	cur := c.session
	result.Outcome = OutcomeNoOp
	result.ProjectID = cur.ProjectID
	result.AdapterLoaded = cur.Adapter != nil
	result.IndexLoaded = cur.Index != nil
	result.Capability = cur.snapshot().Capability
	result.ReservedBytes = cur.ReservedBytes()
	return result
}

// fail marks result failed. Capability describes the session that is still
// active.
func (c *Coordinator) fail(result *SwitchResult, reason Reason) *SwitchResult {
	result.Outcome = OutcomeFailed
	result.Reasons = append(result.Reasons, reason)
	c.mu.RLock()
	result.Capability = c.session.snapshot().Capability
	c.mu.RUnlock()
	return result
}

func (c *Coordinator) report(ctx context.Context, r *SwitchResult) {
	c.metrics.RecordSwitch(ctx, r)
	switch r.Outcome {
	case OutcomeSuccess:
		c.logger.SwitchCommitted(ctx, r)
	case OutcomeDegraded:
		c.logger.SwitchDegraded(ctx, r)
	case OutcomeFailed:
		c.logger.SwitchFailed(ctx, r)
	default:
		c.logger.SwitchNoOp(ctx, r)
	}
}

// unload closes the session's handles and returns its budget.
func (c *Coordinator) unload(ctx context.Context, s *ActiveSession) {
	if s == nil {
		return
	}
	c.closeHandles(ctx, s.ProjectID, s.Adapter, s.Index)
	for _, r := range s.reservations {
		c.release(ctx, r)
	}
	s.Adapter, s.Index, s.reservations = nil, nil, nil
}

func (c *Coordinator) closeHandles(ctx context.Context, projectID string, a adapter.Handle, idx vectorindex.Handle) {
	if idx != nil {
		if _, err := guard(func() (struct{}, error) { return struct{}{}, idx.Close() }); err != nil {
			c.logger.Warn(ctx, "index close failed", err, zap.String("project.id", projectID))
		}
	}
	if a != nil {
		if _, err := guard(func() (struct{}, error) { return struct{}{}, c.deps.Loader.Unload(ctx, a) }); err != nil {
			c.logger.Warn(ctx, "adapter unload failed", err, zap.String("project.id", projectID))
		}
	}
}

func (c *Coordinator) release(ctx context.Context, r *budget.Reservation) {
	if r == nil {
		return
	}
	if err := c.deps.Budget.Release(r); err != nil {
		if errors.Is(err, budget.ErrDoubleRelease) {
			c.logger.DoubleRelease(ctx, r, err)
			return
		}
		c.logger.Error(ctx, "budget release failed", err, zap.String("reservation_id", r.ID))
	}
}

func (c *Coordinator) persistContext(ctx context.Context, projectID string) {
	if !c.deps.Contexts.Dirty(projectID) {
		return
	}
	if err := c.deps.Contexts.Persist(ctx, projectID); err != nil {
		c.logger.Error(ctx, "conversation persist failed", err, zap.String("project.id", projectID))
	}
}

func (c *Coordinator) evictContext(ctx context.Context, projectID string) {
	if err := c.deps.Contexts.Evict(ctx, projectID); err != nil {
		c.logger.Error(ctx, "conversation evict failed", err, zap.String("project.id", projectID))
	}
}

// Active returns a copy of the current session state.
func (c *Coordinator) Active() SessionSnapshot {
	c.mu.RLock()
	snap := c.session.snapshot()
	c.mu.RUnlock()
	snap.Warm = c.warm.ids()
	snap.CommittedBytes = c.deps.Budget.Committed()
	snap.CeilingBytes = c.deps.Budget.Ceiling()
	return snap
}

// WithSession runs fn with the active session under the read lock. A switch
// that needs to unload the session waits for fn to return. fn must not
// call back into the coordinator's switching operations.
func (c *Coordinator) WithSession(ctx context.Context, fn func(ctx context.Context, s *ActiveSession) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fn(ctx, c.session)
}

// Invalidate drops a parked session, typically because its adapter file
// changed on disk. It reports whether anything was dropped.
func (c *Coordinator) Invalidate(projectID string) bool {
	ctx := context.Background()
	if err := c.switchLock.Lock(ctx); err != nil {
		return false
	}
	defer c.switchLock.Unlock()

	parked, ok := c.warm.take(projectID)
	if !ok {
		return false
	}
	bytes := parked.ReservedBytes()
	c.unload(ctx, parked)
	c.evictContext(ctx, projectID)
	c.logger.Evicted(ctx, projectID, bytes, false)
	return true
}

// RemoveProject retires a project and deletes everything it owns: loaded
// resources, conversation, adapter artifact and index. The registry record
// is confirmed removed only when every step succeeded, so a failed removal
// can be retried.
func (c *Coordinator) RemoveProject(ctx context.Context, projectID string) error {
	if err := c.switchLock.Lock(ctx); err != nil {
		return err
	}
	defer c.switchLock.Unlock()
	if c.closed {
		return ErrClosed
	}

	p, err := c.deps.Registry.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if err := c.deps.Registry.Remove(ctx, projectID); err != nil {
		return err
	}

	if c.session.ProjectID == projectID {
		c.mu.Lock()
		prev := c.session
		c.session = &ActiveSession{Capability: CapabilityBase, ActivatedAt: c.now().UTC()}
		c.mu.Unlock()
		c.unload(ctx, prev)
	}
	if parked, ok := c.warm.take(projectID); ok {
		c.unload(ctx, parked)
	}

	var errs []error
	if err := c.deps.Contexts.Delete(ctx, projectID); err != nil {
		errs = append(errs, err)
	}
	if err := c.deps.Adapters.Delete(ctx, projectID); err != nil && !errors.Is(err, adapter.ErrNotFound) {
		errs = append(errs, err)
	}
	if p.IndexRef != "" && c.deps.DeleteIndex != nil {
		if err := c.deps.DeleteIndex(p.IndexRef); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove project %s: %w", projectID, errors.Join(errs...))
	}
	return c.deps.Registry.ConfirmRemoved(ctx, projectID)
}

// Close persists the active conversation and unloads every resource,
// including handles still arriving from abandoned loads.
func (c *Coordinator) Close(ctx context.Context) error {
	if err := c.switchLock.Lock(ctx); err != nil {
		return err
	}
	defer c.switchLock.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.mu.Lock()
	prev := c.session
	c.session = &ActiveSession{Capability: CapabilityBase}
	c.mu.Unlock()

	var errs []error
	if prev.ProjectID != "" {
		if err := c.deps.Contexts.Persist(ctx, prev.ProjectID); err != nil {
			errs = append(errs, err)
		}
	}
	c.unload(ctx, prev)
	for _, parked := range c.warm.drain() {
		if err := c.deps.Contexts.Persist(ctx, parked.ProjectID); err != nil {
			errs = append(errs, err)
		}
		c.unload(ctx, parked)
	}
	c.late.Wait()
	return errors.Join(errs...)
}

// guard converts a collaborator panic into an error.
func guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, fmt.Errorf("%w: %v", errCollaboratorPanic, r)
		}
	}()
	return fn()
}

func reservationLabel(projectID string) string {
	return "project:" + projectID
}

func appendReservation(rs []*budget.Reservation, r *budget.Reservation) []*budget.Reservation {
	if r == nil {
		return rs
	}
	return append(rs, r)
}
