package switcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/gardener/internal/adapter"
	"github.com/fyrsmithlabs/gardener/internal/budget"
	"github.com/fyrsmithlabs/gardener/internal/project"
	"github.com/fyrsmithlabs/gardener/internal/vectorindex"
)

// ErrClosed is returned by operations on a closed coordinator.
var ErrClosed = errors.New("switch coordinator is closed")

// errCollaboratorPanic wraps a recovered panic from a loader or opener.
var errCollaboratorPanic = errors.New("collaborator panicked")

// Outcome is the overall result of a switch.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
	OutcomeNoOp     Outcome = "noop"
)

// Reason explains a degraded or failed outcome.
type Reason string

// Degradations: the switch committed with reduced capability.
const (
	ReasonNotReady            Reason = "not_ready"
	ReasonIncompatibleAdapter Reason = "incompatible_adapter"
	ReasonAdapterLoadFailed   Reason = "adapter_load_failed"
	ReasonIndexOpenFailed     Reason = "index_open_failed"
)

// Failures: nothing changed.
const (
	ReasonInsufficientMemory Reason = "insufficient_memory"
	ReasonTimeout            Reason = "timeout"
	ReasonCancelled          Reason = "cancelled"
	ReasonProjectRetiring    Reason = "project_retiring"
	ReasonContextUnavailable Reason = "context_unavailable"
)

// Capability describes what is usable after a switch.
type Capability string

const (
	CapabilityBase        Capability = "base"
	CapabilityBaseIndex   Capability = "base+index"
	CapabilityBaseAdapter Capability = "base+adapter"
	CapabilityFull        Capability = "full"
)

func capabilityOf(adapterLoaded, indexLoaded bool) Capability {
	switch {
	case adapterLoaded && indexLoaded:
		return CapabilityFull
	case adapterLoaded:
		return CapabilityBaseAdapter
	case indexLoaded:
		return CapabilityBaseIndex
	default:
		return CapabilityBase
	}
}

// SwitchResult describes exactly what is active after a switch attempt.
type SwitchResult struct {
	Outcome           Outcome
	Reasons           []Reason
	ProjectID         string
	PreviousProjectID string
	AdapterLoaded     bool
	IndexLoaded       bool
	Capability        Capability
	ReservedBytes     int64
	// Evicted lists projects whose resources were released to make room.
	Evicted []string
	// WarmHit is set when the target's resources came from the warm cache.
	WarmHit  bool
	Duration time.Duration
}

// HasReason reports whether r is among the result's reasons.
func (r *SwitchResult) HasReason(reason Reason) bool {
	for _, got := range r.Reasons {
		if got == reason {
			return true
		}
	}
	return false
}

func (r *SwitchResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)", r.Outcome, r.ProjectID, r.Capability)
	if len(r.Reasons) > 0 {
		reasons := make([]string, len(r.Reasons))
		for i, reason := range r.Reasons {
			reasons[i] = string(reason)
		}
		fmt.Fprintf(&b, " reasons=%s", strings.Join(reasons, ","))
	}
	return b.String()
}

// ActiveSession is the loaded state of one project. Readers receive it
// inside WithSession and must not retain it past the callback.
type ActiveSession struct {
	// ProjectID is empty when only the base model is active.
	ProjectID   string
	Adapter     adapter.Handle
	Index       vectorindex.Handle
	Capability  Capability
	Reasons     []Reason
	ActivatedAt time.Time

	reservations []*budget.Reservation
	// Identity of what was loaded, compared on warm cache hits.
	status     project.Status
	adapterRef string
	indexRef   string
}

// ModelName returns the model the inference engine should address, or ""
// for the base model.
func (s *ActiveSession) ModelName() string {
	if s == nil || s.Adapter == nil {
		return ""
	}
	return s.Adapter.ModelName()
}

// ReservedBytes is the budget held by the session.
func (s *ActiveSession) ReservedBytes() int64 {
	var total int64
	for _, r := range s.reservations {
		total += r.Bytes
	}
	return total
}

func (s *ActiveSession) holdsResources() bool {
	return s.Adapter != nil || s.Index != nil || len(s.reservations) > 0
}

// matches reports whether a parked session still reflects p.
func (s *ActiveSession) matches(p *project.Project) bool {
	return s.status == p.Status && s.adapterRef == p.AdapterRef && s.indexRef == p.IndexRef
}

func (s *ActiveSession) snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		ProjectID:     s.ProjectID,
		Capability:    s.Capability,
		Reasons:       append([]Reason(nil), s.Reasons...),
		AdapterLoaded: s.Adapter != nil,
		IndexLoaded:   s.Index != nil,
		ModelName:     s.ModelName(),
		ReservedBytes: s.ReservedBytes(),
		ActivatedAt:   s.ActivatedAt,
	}
	if snap.Capability == "" {
		snap.Capability = CapabilityBase
	}
	return snap
}

// SessionSnapshot is a copy of the coordinator's state.
type SessionSnapshot struct {
	ProjectID     string
	Capability    Capability
	Reasons       []Reason
	AdapterLoaded bool
	IndexLoaded   bool
	ModelName     string
	ReservedBytes int64
	ActivatedAt   time.Time
	// Warm lists parked projects, most recently used first.
	Warm []string
	// CommittedBytes and CeilingBytes are the budget totals.
	CommittedBytes int64
	CeilingBytes   int64
}
