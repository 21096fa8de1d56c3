package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/gardener/internal/kvstore"
)

const keyNamespace = "adapters"

// Store persists adapter metadata and manages imported artifact files.
type Store struct {
	kv   kvstore.Store
	root string // directory holding imported artifacts
}

// NewStore creates a Store. root may be empty when artifacts are never imported.
func NewStore(kv kvstore.Store, root string) *Store {
	return &Store{kv: kv, root: root}
}

// Put records artifact metadata, replacing any previous artifact for the project.
func (s *Store) Put(ctx context.Context, a *Artifact) error {
	if a == nil || a.ProjectID == "" || a.ContentHash == "" {
		return fmt.Errorf("%w: project id and content hash are required", ErrInvalid)
	}
	blob, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal adapter %s: %w", a.ProjectID, err)
	}
	if err := s.kv.Save(ctx, kvstore.Key(keyNamespace, a.ProjectID), blob); err != nil {
		return fmt.Errorf("persist adapter %s: %w", a.ProjectID, err)
	}
	return nil
}

// Get returns the artifact recorded for projectID.
func (s *Store) Get(ctx context.Context, projectID string) (*Artifact, error) {
	blob, err := s.kv.Load(ctx, kvstore.Key(keyNamespace, projectID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load adapter %s: %w", projectID, err)
	}
	var a Artifact
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, fmt.Errorf("decode adapter %s: %w", projectID, err)
	}
	return &a, nil
}

// Delete removes the metadata and, when the artifact was imported into the
// managed directory, the artifact file. Missing artifacts are not an error.
func (s *Store) Delete(ctx context.Context, projectID string) error {
	a, err := s.Get(ctx, projectID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.managed(a.ArtifactPath) {
		if err := os.RemoveAll(filepath.Dir(a.ArtifactPath)); err != nil {
			return fmt.Errorf("remove adapter files %s: %w", projectID, err)
		}
	}
	return s.kv.Delete(ctx, kvstore.Key(keyNamespace, projectID))
}

// Import copies the trainer output at src into the managed directory and
// records it. The returned artifact's ContentHash is the project's AdapterRef.
func (s *Store) Import(ctx context.Context, projectID, src, baseModelID string) (*Artifact, error) {
	if s.root == "" {
		return nil, fmt.Errorf("%w: no artifact directory configured", ErrInvalid)
	}
	if err := kvstore.ValidateKey(kvstore.Key(keyNamespace, projectID)); err != nil {
		return nil, fmt.Errorf("%w: project id %q", ErrInvalid, projectID)
	}

	dir := filepath.Join(s.root, projectID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create adapter dir: %w", err)
	}
	dst := filepath.Join(dir, "adapter.bin")
	if err := copyFile(src, dst); err != nil {
		return nil, err
	}

	a, err := NewArtifact(projectID, dst, baseModelID)
	if err != nil {
		return nil, err
	}
	if err := s.Put(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) managed(path string) bool {
	if s.root == "" || path == "" {
		return false
	}
	rel, err := filepath.Rel(s.root, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// copyFile writes src to dst atomically via a temp file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrInvalid, src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy adapter: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename adapter: %w", err)
	}
	return nil
}
