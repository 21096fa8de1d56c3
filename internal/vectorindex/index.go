// Package vectorindex opens per-project similarity-search indexes over
// source snippets.
//
// The switch coordinator only sees the Opener and Handle interfaces. The
// default implementation persists each project's index as a chromem-go
// database directory whose path is the project's IndexRef.
package vectorindex

import (
	"context"
	"errors"
)

// CollectionName is the chromem collection holding source snippets.
const CollectionName = "snippets"

var (
	ErrIndexNotFound = errors.New("vector index not found")
	ErrClosed        = errors.New("vector index is closed")
)

// Snippet is a retrieved chunk of source.
type Snippet struct {
	ID        string
	Path      string
	StartLine int
	Content   string
	Score     float32
}

// Handle is an open index owned by the switch coordinator.
type Handle interface {
	// Query returns up to k snippets most similar to text.
	Query(ctx context.Context, text string, k int) ([]Snippet, error)
	// EstimatedWorkingSetBytes is the memory the open index holds.
	EstimatedWorkingSetBytes() int64
	// Close releases the index.
	Close() error
}

// Opener materializes indexes.
type Opener interface {
	// Estimate returns the expected working set of the index at ref without opening it.
	Estimate(ctx context.Context, ref string) (int64, error)
	// Open loads the index at ref.
	Open(ctx context.Context, ref string) (Handle, error)
}
