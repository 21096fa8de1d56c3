package adapter

import (
	"context"
	"fmt"
)

// Handle is a loaded adapter owned by the switch coordinator.
type Handle interface {
	// Artifact returns the metadata the handle was loaded from.
	Artifact() Artifact
	// ModelName is the model the inference engine should address; empty
	// means the base model with the adapter applied in-process.
	ModelName() string
}

// Loader materializes adapters in the inference engine.
type Loader interface {
	Load(ctx context.Context, a Artifact) (Handle, error)
	Unload(ctx context.Context, h Handle) error
}

type fileHandle struct {
	artifact Artifact
}

func (h *fileHandle) Artifact() Artifact { return h.artifact }
func (h *fileHandle) ModelName() string  { return h.artifact.ModelName }

// FileLoader verifies the artifact file against its recorded hash. It is the
// default loader when the inference backend reads adapters from disk itself.
type FileLoader struct{}

// NewFileLoader creates a FileLoader.
func NewFileLoader() *FileLoader {
	return &FileLoader{}
}

// Load re-hashes the artifact and fails on mismatch.
func (l *FileLoader) Load(ctx context.Context, a Artifact) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, _, err := HashFile(a.ArtifactPath)
	if err != nil {
		return nil, err
	}
	if hash != a.ContentHash {
		return nil, fmt.Errorf("%w: %s has %s, recorded %s", ErrHashMismatch, a.ArtifactPath, hash, a.ContentHash)
	}
	return &fileHandle{artifact: a}, nil
}

// Unload is a no-op; nothing is held in memory by the file loader.
func (l *FileLoader) Unload(ctx context.Context, h Handle) error {
	return nil
}
