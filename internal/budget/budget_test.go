package budget

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mib = int64(1) << 20
	gib = int64(1) << 30
)

func TestNew_RejectsNonPositiveCeiling(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidCeiling)
	_, err = New(-1)
	assert.ErrorIs(t, err, ErrInvalidCeiling)
}

func TestReserve_WithinCeiling(t *testing.T) {
	b, err := New(6 * gib)
	require.NoError(t, err)

	r, err := b.Reserve(2*gib, "project-a")
	require.NoError(t, err)
	assert.Equal(t, 2*gib, r.Bytes)
	assert.Equal(t, "project-a", r.Label)
	assert.NotEmpty(t, r.ID)

	assert.Equal(t, 2*gib, b.Committed())
	assert.Equal(t, 4*gib, b.Available())
	assert.Len(t, b.Outstanding(), 1)
}

func TestReserve_ExactCeiling(t *testing.T) {
	b, err := New(4 * gib)
	require.NoError(t, err)

	_, err = b.Reserve(4*gib, "full")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Available())
}

func TestReserve_FailureHasNoSideEffects(t *testing.T) {
	emitter := NewRecordingEmitter()
	b, err := New(6*gib, WithEventEmitter(emitter))
	require.NoError(t, err)

	_, err = b.Reserve(5*gib, "a")
	require.NoError(t, err)
	before := b.Committed()

	_, err = b.Reserve(2*gib, "b")
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "GiB")

	assert.Equal(t, before, b.Committed())
	assert.Len(t, b.Outstanding(), 1)

	events := emitter.Events()
	require.Len(t, events, 2)
	rejected, ok := events[1].(RejectedEvent)
	require.True(t, ok)
	assert.Equal(t, 2*gib, rejected.Bytes)
	assert.Equal(t, 5*gib, rejected.Committed)
}

func TestReserve_InvalidSize(t *testing.T) {
	b, err := New(gib)
	require.NoError(t, err)

	_, err = b.Reserve(0, "zero")
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = b.Reserve(-5, "neg")
	assert.ErrorIs(t, err, ErrInvalidSize)
	assert.Equal(t, int64(0), b.Committed())
}

func TestRelease_RestoresCapacity(t *testing.T) {
	emitter := NewRecordingEmitter()
	b, err := New(6*gib, WithEventEmitter(emitter))
	require.NoError(t, err)

	r, err := b.Reserve(3*gib, "a")
	require.NoError(t, err)
	require.NoError(t, b.Release(r))

	assert.Equal(t, int64(0), b.Committed())
	assert.Empty(t, b.Outstanding())

	events := emitter.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "reserved", events[0].Type())
	released, ok := events[1].(ReleasedEvent)
	require.True(t, ok)
	assert.Equal(t, r.ID, released.ReservationID)
	assert.Equal(t, int64(0), released.Committed)
}

func TestRelease_DoubleReleaseKeepsTotal(t *testing.T) {
	b, err := New(6 * gib)
	require.NoError(t, err)

	r1, err := b.Reserve(2*gib, "a")
	require.NoError(t, err)
	_, err = b.Reserve(gib, "b")
	require.NoError(t, err)

	require.NoError(t, b.Release(r1))
	err = b.Release(r1)
	require.ErrorIs(t, err, ErrDoubleRelease)
	assert.Equal(t, gib, b.Committed())
}

func TestRelease_Unknown(t *testing.T) {
	b, err := New(gib)
	require.NoError(t, err)

	err = b.Release(&Reservation{ID: "forged", Bytes: 10})
	assert.ErrorIs(t, err, ErrUnknownReservation)
	assert.ErrorIs(t, b.Release(nil), ErrUnknownReservation)
}

func TestRelease_KeepsNoHistory(t *testing.T) {
	b, err := New(gib)
	require.NoError(t, err)

	var done []*Reservation
	for i := 0; i < 1000; i++ {
		r, err := b.Reserve(mib, "cycle")
		require.NoError(t, err)
		require.NoError(t, b.Release(r))
		done = append(done, r)
	}
	assert.Empty(t, b.outstanding)
	assert.Zero(t, b.Committed())

	for _, r := range []*Reservation{done[0], done[999]} {
		assert.ErrorIs(t, b.Release(r), ErrDoubleRelease)
	}
	assert.Zero(t, b.Committed())
}

func TestRelease_ForeignReservation(t *testing.T) {
	a, err := New(gib)
	require.NoError(t, err)
	b, err := New(gib)
	require.NoError(t, err)

	r, err := a.Reserve(mib, "a")
	require.NoError(t, err)
	assert.ErrorIs(t, b.Release(r), ErrUnknownReservation)
	require.NoError(t, a.Release(r))
	assert.ErrorIs(t, b.Release(r), ErrUnknownReservation)
	assert.Equal(t, []Reservation{}, a.Outstanding())
}

func TestFits(t *testing.T) {
	b, err := New(2 * gib)
	require.NoError(t, err)

	assert.True(t, b.Fits(2*gib))
	assert.False(t, b.Fits(2*gib+1))
	assert.False(t, b.Fits(0))
}

func TestReserve_ConcurrentNeverExceedsCeiling(t *testing.T) {
	const ceiling = 100
	b, err := New(ceiling)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted []*Reservation

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := b.Reserve(7, "worker")
			if err != nil {
				return
			}
			mu.Lock()
			granted = append(granted, r)
			mu.Unlock()
			assert.LessOrEqual(t, b.Committed(), int64(ceiling))
		}()
	}
	wg.Wait()

	assert.Len(t, granted, ceiling/7)
	assert.Equal(t, int64(len(granted)*7), b.Committed())

	for _, r := range granted {
		require.NoError(t, b.Release(r))
	}
	assert.Equal(t, int64(0), b.Committed())
}

func TestEmitter_HandlerMayCallBack(t *testing.T) {
	emitter := NewRecordingEmitter()
	b, err := New(gib, WithEventEmitter(emitter))
	require.NoError(t, err)

	var seen int64
	emitter.Subscribe(func(e Event) {
		// Would deadlock if events were emitted under the lock.
		seen = b.Committed()
	})

	_, err = b.Reserve(100, "cb")
	require.NoError(t, err)
	assert.Equal(t, int64(100), seen)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	b, err := New(1000, WithRegisterer(reg))
	require.NoError(t, err)

	r, err := b.Reserve(400, "a")
	require.NoError(t, err)
	_, err = b.Reserve(700, "b")
	require.Error(t, err)

	assert.Equal(t, float64(400), testutil.ToFloat64(b.metrics.CommittedBytes))
	assert.Equal(t, float64(1000), testutil.ToFloat64(b.metrics.CeilingBytes))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.Rejections))

	require.NoError(t, b.Release(r))
	require.ErrorIs(t, b.Release(r), ErrDoubleRelease)
	assert.Equal(t, float64(0), testutil.ToFloat64(b.metrics.CommittedBytes))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.DoubleReleases))

	count, err := testutil.GatherAndCount(reg, "gardener_budget_committed_bytes")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestParseMemTotal(t *testing.T) {
	input := `MemTotal:       16303412 kB
MemFree:         1234567 kB
MemAvailable:    8000000 kB
`
	total, err := parseMemTotal(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, int64(16303412)*1024, total)

	_, err = parseMemTotal(strings.NewReader("MemFree: 10 kB\n"))
	assert.Error(t, err)
}
