// Package adapter stores and loads per-project adapter artifacts (LoRA-style
// fine-tuning weights produced by an external trainer).
//
// Artifact metadata lives in the kvstore under "adapters/<project_id>". The
// weights file itself is identified by its sha256 content hash, which is what
// a ready project records as its AdapterRef.
package adapter

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var (
	ErrNotFound     = errors.New("adapter artifact not found")
	ErrHashMismatch = errors.New("adapter artifact hash mismatch")
	ErrInvalid      = errors.New("invalid adapter artifact")
)

// Artifact describes a trained adapter for one project.
type Artifact struct {
	ProjectID    string    `json:"project_id"`
	ArtifactPath string    `json:"artifact_path"`
	BaseModelID  string    `json:"base_model_id"`
	ContentHash  string    `json:"content_hash"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`

	// ModelName is the name the inference backend serves this adapter under.
	// Empty means the adapter is applied to the base model in-process.
	ModelName string `json:"model_name,omitempty"`
}

// NewArtifact hashes the file at path and builds its metadata.
func NewArtifact(projectID, path, baseModelID string) (*Artifact, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalid)
	}
	if baseModelID == "" {
		return nil, fmt.Errorf("%w: base model id is required", ErrInvalid)
	}
	hash, size, err := HashFile(path)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		ProjectID:    projectID,
		ArtifactPath: path,
		BaseModelID:  baseModelID,
		ContentHash:  hash,
		SizeBytes:    size,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// CompatibleWith reports whether the artifact was trained on baseModelID.
func (a *Artifact) CompatibleWith(baseModelID string) bool {
	return a.BaseModelID == baseModelID
}

// HashFile returns the sha256 hex digest and size of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: open %s: %v", ErrInvalid, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("%w: stat %s: %v", ErrInvalid, path, err)
	}
	if info.IsDir() {
		return "", 0, fmt.Errorf("%w: %s is a directory", ErrInvalid, path)
	}

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
