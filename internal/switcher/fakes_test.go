package switcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gardener/internal/adapter"
	"github.com/fyrsmithlabs/gardener/internal/budget"
	"github.com/fyrsmithlabs/gardener/internal/conversation"
	"github.com/fyrsmithlabs/gardener/internal/kvstore"
	"github.com/fyrsmithlabs/gardener/internal/logging"
	"github.com/fyrsmithlabs/gardener/internal/project"
	"github.com/fyrsmithlabs/gardener/internal/vectorindex"
)

const (
	baseModel = "llama3.2:3b"
	mib       = int64(1) << 20
)

// fakeAdapterHandle is what fakeLoader hands out.
type fakeAdapterHandle struct {
	artifact adapter.Artifact
}

func (h *fakeAdapterHandle) Artifact() adapter.Artifact { return h.artifact }
func (h *fakeAdapterHandle) ModelName() string          { return h.artifact.ModelName }

// fakeLoader records loads and unloads. A non-nil gate blocks Load until
// closed, ignoring ctx, to simulate a slow backend.
type fakeLoader struct {
	mu      sync.Mutex
	loads   []string
	unloads []string
	fail    map[string]error
	panics  map[string]bool
	gates   map[string]chan struct{}
	entered chan string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		fail:   make(map[string]error),
		panics: make(map[string]bool),
		gates:  make(map[string]chan struct{}),
	}
}

func (l *fakeLoader) Load(ctx context.Context, a adapter.Artifact) (adapter.Handle, error) {
	l.mu.Lock()
	l.loads = append(l.loads, a.ProjectID)
	gate := l.gates[a.ProjectID]
	entered := l.entered
	err := l.fail[a.ProjectID]
	panics := l.panics[a.ProjectID]
	l.mu.Unlock()

	if entered != nil {
		entered <- a.ProjectID
	}
	if gate != nil {
		<-gate
	}
	if panics {
		panic("adapter backend crashed")
	}
	if err != nil {
		return nil, err
	}
	return &fakeAdapterHandle{artifact: a}, nil
}

func (l *fakeLoader) Unload(ctx context.Context, h adapter.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloads = append(l.unloads, h.Artifact().ProjectID)
	return nil
}

func (l *fakeLoader) gate(projectID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{})
	l.gates[projectID] = ch
	return ch
}

func (l *fakeLoader) setEntered(ch chan string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entered = ch
}

func (l *fakeLoader) setFail(projectID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail[projectID] = err
}

func (l *fakeLoader) setPanic(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.panics[projectID] = true
}

func (l *fakeLoader) loadCount(projectID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return count(l.loads, projectID)
}

func (l *fakeLoader) unloadCount(projectID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return count(l.unloads, projectID)
}

func (l *fakeLoader) totalUnloads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.unloads)
}

// fakeIndex is an open index handle.
type fakeIndex struct {
	ref        string
	workingSet int64

	mu     sync.Mutex
	closes int
}

func (i *fakeIndex) Query(ctx context.Context, text string, k int) ([]vectorindex.Snippet, error) {
	if i.isClosed() {
		return nil, vectorindex.ErrClosed
	}
	return []vectorindex.Snippet{{ID: i.ref + "-1", Path: i.ref + "/main.go", StartLine: 1, Content: text}}, nil
}

func (i *fakeIndex) EstimatedWorkingSetBytes() int64 { return i.workingSet }

func (i *fakeIndex) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closes++
	return nil
}

func (i *fakeIndex) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closes > 0
}

// fakeOpener serves indexes from in-memory estimates.
type fakeOpener struct {
	mu          sync.Mutex
	estimates   map[string]int64
	workingSets map[string]int64
	openErr     map[string]error
	handles     map[string][]*fakeIndex
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		estimates:   make(map[string]int64),
		workingSets: make(map[string]int64),
		openErr:     make(map[string]error),
		handles:     make(map[string][]*fakeIndex),
	}
}

func (o *fakeOpener) Estimate(ctx context.Context, ref string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	est, ok := o.estimates[ref]
	if !ok {
		return 0, vectorindex.ErrIndexNotFound
	}
	return est, nil
}

func (o *fakeOpener) Open(ctx context.Context, ref string) (vectorindex.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.openErr[ref]; err != nil {
		return nil, err
	}
	ws, ok := o.workingSets[ref]
	if !ok {
		ws = o.estimates[ref]
	}
	h := &fakeIndex{ref: ref, workingSet: ws}
	o.handles[ref] = append(o.handles[ref], h)
	return h, nil
}

func (o *fakeOpener) latest(ref string) *fakeIndex {
	o.mu.Lock()
	defer o.mu.Unlock()
	hs := o.handles[ref]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

func (o *fakeOpener) openCount(ref string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles[ref])
}

func (o *fakeOpener) setOpenErr(ref string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openErr[ref] = err
}

func (o *fakeOpener) setWorkingSet(ref string, ws int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workingSets[ref] = ws
}

// recordingRegistry logs the coordinator's registry writes in order.
type recordingRegistry struct {
	*project.Registry

	mu    sync.Mutex
	calls []string
}

func (r *recordingRegistry) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingRegistry) Touch(ctx context.Context, id string, at time.Time) error {
	r.record("touch:" + id)
	return r.Registry.Touch(ctx, id, at)
}

func (r *recordingRegistry) Remove(ctx context.Context, id string) error {
	r.record("remove:" + id)
	return r.Registry.Remove(ctx, id)
}

func (r *recordingRegistry) ConfirmRemoved(ctx context.Context, id string) error {
	r.record("confirm:" + id)
	return r.Registry.ConfirmRemoved(ctx, id)
}

func (r *recordingRegistry) touches() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if id, ok := strings.CutPrefix(c, "touch:"); ok {
			out = append(out, id)
		}
	}
	return out
}

func (r *recordingRegistry) allCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// harness wires a coordinator to real registry, budget, adapter store and
// conversation store over an in-memory kvstore, plus fake loader/opener.
type harness struct {
	t        *testing.T
	kv       *kvstore.MemoryStore
	registry *recordingRegistry
	budget   *budget.Budget
	events   *budget.RecordingEmitter
	adapters *adapter.Store
	loader   *fakeLoader
	opener   *fakeOpener
	contexts *conversation.Store
	logger   *logging.TestLogger
	coord    *Coordinator
	clock    time.Time
	seq      int

	mu             sync.Mutex
	deletedIndexes []string
	deleteErr      error
}

func newHarness(t *testing.T, ceiling int64, configure func(*Config), opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		t:      t,
		kv:     kvstore.NewMemoryStore(),
		events: budget.NewRecordingEmitter(),
		loader: newFakeLoader(),
		opener: newFakeOpener(),
		logger: logging.NewTestLogger(),
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	reg, err := project.NewRegistry(ctx, h.kv,
		project.WithRevisionFunc(func(string) string { return "" }))
	require.NoError(t, err)
	h.registry = &recordingRegistry{Registry: reg}

	h.budget, err = budget.New(ceiling, budget.WithEventEmitter(h.events))
	require.NoError(t, err)

	h.adapters = adapter.NewStore(h.kv, "")
	h.contexts, err = conversation.NewStore(h.kv)
	require.NoError(t, err)

	config := DefaultConfig()
	config.BaseModelID = baseModel
	config.Timeout = 5 * time.Second
	if configure != nil {
		configure(&config)
	}

	h.coord, err = NewCoordinator(Dependencies{
		Registry: h.registry,
		Budget:   h.budget,
		Adapters: h.adapters,
		Loader:   h.loader,
		Indexes:  h.opener,
		Contexts: h.contexts,
		DeleteIndex: func(ref string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.deleteErr != nil {
				return h.deleteErr
			}
			h.deletedIndexes = append(h.deletedIndexes, ref)
			return nil
		},
	}, config, append([]Option{
		WithLogger(NewLogger(h.logger.Underlying())),
		WithClock(func() time.Time { return h.clock }),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.coord.Close(context.Background()) })
	return h
}

// register creates a registering project over a fresh directory.
func (h *harness) register(name string) string {
	h.t.Helper()
	id, err := h.registry.Register(context.Background(), h.t.TempDir(), name)
	require.NoError(h.t, err)
	return id
}

// ready registers a project and marks it ready with an adapter and an
// index of the given sizes. A zero size leaves that ref empty.
func (h *harness) ready(name string, adapterBytes, indexBytes int64) string {
	h.t.Helper()
	id := h.register(name)
	require.NoError(h.t, h.registry.MarkReady(context.Background(), id, h.refs(id, name, adapterBytes, indexBytes, baseModel)))
	return id
}

func (h *harness) refs(id, name string, adapterBytes, indexBytes int64, baseModelID string) project.Refs {
	h.t.Helper()
	var refs project.Refs
	if adapterBytes > 0 {
		h.seq++
		a := &adapter.Artifact{
			ProjectID:    id,
			ArtifactPath: "/artifacts/" + name + ".safetensors",
			BaseModelID:  baseModelID,
			ContentHash:  fmt.Sprintf("sha-%s-%d", name, h.seq),
			SizeBytes:    adapterBytes,
			CreatedAt:    h.clock,
			ModelName:    name + "-lora",
		}
		require.NoError(h.t, h.adapters.Put(context.Background(), a))
		refs.AdapterRef = a.ContentHash
	}
	if indexBytes > 0 {
		refs.IndexRef = "index-" + name
		h.opener.mu.Lock()
		h.opener.estimates[refs.IndexRef] = indexBytes
		h.opener.mu.Unlock()
	}
	return refs
}

func (h *harness) switchTo(id string) *SwitchResult {
	h.t.Helper()
	result, err := h.coord.SwitchTo(context.Background(), id)
	require.NoError(h.t, err)
	require.NotNil(h.t, result)
	return result
}

func (h *harness) setDeleteErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleteErr = err
}

func (h *harness) deleted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.deletedIndexes...)
}

// eventIndex returns the position of the first event matching fn, or -1.
func (h *harness) eventIndex(fn func(budget.Event) bool) int {
	for i, e := range h.events.Events() {
		if fn(e) {
			return i
		}
	}
	return -1
}

func count(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}

var errBackendDown = errors.New("backend down")
