package project

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors for registry operations.
var (
	ErrNotFound          = errors.New("project not found")
	ErrDuplicateProject  = errors.New("project already registered")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidPath       = errors.New("invalid project path")
	ErrCorruptRecord     = errors.New("project record corrupted")
)

// InvalidTransitionError describes a rejected status change.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("project %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Status is the lifecycle state of a project.
type Status string

const (
	StatusUnregistered Status = "unregistered"
	StatusRegistering  Status = "registering"
	StatusReady        Status = "ready"
	StatusTraining     Status = "training"
	StatusError        Status = "error"
	StatusRetiring     Status = "retiring"
	StatusRemoved      Status = "removed"
)

// ValidTransitions defines allowed status transitions.
var ValidTransitions = map[Status][]Status{
	StatusUnregistered: {StatusRegistering},
	StatusRegistering:  {StatusReady, StatusError},
	StatusReady:        {StatusTraining, StatusRetiring},
	StatusTraining:     {StatusReady, StatusError, StatusRetiring},
	StatusError:        {StatusTraining, StatusRetiring},
	StatusRetiring:     {StatusRemoved},
	StatusRemoved:      {}, // terminal
}

// CanTransitionTo checks if a transition from s to target is valid.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Project is a registered codebase.
type Project struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	SourcePath  string `json:"source_path"`
	Status      Status `json:"status"`

	// AdapterRef is the content hash of the adapter artifact. Empty means base-model fallback.
	AdapterRef string `json:"adapter_ref,omitempty"`

	// IndexRef is the on-disk location of the vector index. Empty means no retrieval.
	IndexRef string `json:"index_ref,omitempty"`

	StatusDetail   string `json:"status_detail,omitempty"`
	SourceRevision string `json:"source_revision,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActiveAt time.Time `json:"last_active_at,omitempty"`
}

// Refs are the artifacts a project becomes ready with. Either may be empty.
type Refs struct {
	AdapterRef string
	IndexRef   string
}

// HasAdapter reports whether the project carries an adapter.
func (p *Project) HasAdapter() bool {
	return p.AdapterRef != ""
}

// HasIndex reports whether the project carries a vector index.
func (p *Project) HasIndex() bool {
	return p.IndexRef != ""
}

// Clone returns a copy of p.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// idNamespace scopes path-derived project ids.
var idNamespace = uuid.MustParse("7c1e0b52-9d3a-4f6e-8b21-5a4c3d2e1f60")

// IDForPath derives the project id for an already canonical path.
func IDForPath(canonicalPath string) string {
	return uuid.NewSHA1(idNamespace, []byte(canonicalPath)).String()
}
