package budget

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Reservation is a token for a committed amount of memory.
type Reservation struct {
	ID        string
	Label     string
	Bytes     int64
	CreatedAt time.Time

	// owner and released are guarded by owner.mu.
	owner    *Budget
	released bool
}

// String renders the reservation for logs.
func (r *Reservation) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s, %s)", r.Label, humanize.IBytes(uint64(r.Bytes)), r.ID)
}

// Budget is the single authority on committed memory.
type Budget struct {
	mu          sync.Mutex
	ceiling     int64
	committed   int64
	outstanding map[string]*Reservation

	emitter EventEmitter
	metrics *Metrics
}

// Option configures a Budget.
type Option func(*Budget)

// WithEventEmitter sets the event emitter.
func WithEventEmitter(e EventEmitter) Option {
	return func(b *Budget) {
		b.emitter = e
	}
}

// WithRegisterer registers Prometheus metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *Budget) {
		b.metrics = NewMetrics(reg)
	}
}

// WithMetrics uses pre-built metrics.
func WithMetrics(m *Metrics) Option {
	return func(b *Budget) {
		b.metrics = m
	}
}

// New creates a Budget with a fixed ceiling in bytes.
func New(ceiling int64, opts ...Option) (*Budget, error) {
	if ceiling <= 0 {
		return nil, ErrInvalidCeiling
	}
	b := &Budget{
		ceiling:     ceiling,
		outstanding: make(map[string]*Reservation),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = NewMetrics(nil)
	}
	b.metrics.CeilingBytes.Set(float64(ceiling))
	return b, nil
}

// Reserve commits bytes if committed+bytes stays within the ceiling.
// On failure nothing changes.
func (b *Budget) Reserve(bytes int64, label string) (*Reservation, error) {
	if bytes <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, bytes)
	}

	var event Event
	var res *Reservation
	var err error

	func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if bytes > math.MaxInt64-b.committed || b.committed+bytes > b.ceiling {
			event = RejectedEvent{Label: label, Bytes: bytes, Committed: b.committed, Ceiling: b.ceiling}
			err = fmt.Errorf("%w: need %s, committed %s of %s", ErrBudgetExceeded,
				humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(b.committed)), humanize.IBytes(uint64(b.ceiling)))
			b.metrics.Rejections.Inc()
			return
		}

		b.committed += bytes
		res = &Reservation{
			ID:        uuid.NewString(),
			Label:     label,
			Bytes:     bytes,
			CreatedAt: time.Now(),
			owner:     b,
		}
		b.outstanding[res.ID] = res
		b.metrics.Reservations.Inc()
		b.metrics.CommittedBytes.Set(float64(b.committed))
		b.metrics.Outstanding.Set(float64(len(b.outstanding)))
		event = ReservedEvent{ReservationID: res.ID, Label: label, Bytes: bytes, Committed: b.committed, Ceiling: b.ceiling}
	}()

	b.emit(event)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Release returns a reservation's bytes to the budget.
// Releasing the same reservation twice returns ErrDoubleRelease.
func (b *Budget) Release(r *Reservation) error {
	if r == nil {
		return fmt.Errorf("%w: nil reservation", ErrUnknownReservation)
	}

	var event Event
	var err error

	func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if r.owner == b && r.released {
			b.metrics.DoubleReleases.Inc()
			err = fmt.Errorf("%w: %s", ErrDoubleRelease, r)
			return
		}
		held, ok := b.outstanding[r.ID]
		if !ok || r.owner != b {
			err = fmt.Errorf("%w: %s", ErrUnknownReservation, r)
			return
		}

		delete(b.outstanding, r.ID)
		held.released = true
		r.released = true
		b.committed -= held.Bytes
		b.metrics.Releases.Inc()
		b.metrics.CommittedBytes.Set(float64(b.committed))
		b.metrics.Outstanding.Set(float64(len(b.outstanding)))
		event = ReleasedEvent{ReservationID: held.ID, Label: held.Label, Bytes: held.Bytes, Committed: b.committed, Ceiling: b.ceiling}
	}()

	b.emit(event)
	return err
}

// Fits reports whether bytes could be reserved right now.
func (b *Budget) Fits(bytes int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes > 0 && b.committed+bytes <= b.ceiling
}

// Committed returns the committed total.
func (b *Budget) Committed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed
}

// Ceiling returns the fixed ceiling.
func (b *Budget) Ceiling() int64 {
	return b.ceiling
}

// Available returns ceiling minus committed.
func (b *Budget) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ceiling - b.committed
}

// Outstanding returns copies of unreleased reservations.
func (b *Budget) Outstanding() []Reservation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Reservation, 0, len(b.outstanding))
	for _, r := range b.outstanding {
		out = append(out, *r)
	}
	return out
}

func (b *Budget) emit(event Event) {
	if b.emitter != nil && event != nil {
		b.emitter.Emit(event)
	}
}
