package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// blobSuffix is appended to every key on disk so temp files never list as keys.
const blobSuffix = ".blob"

// FileStore keeps one file per key under a root directory.
// Writes are atomic (temp file + rename).
type FileStore struct {
	mu   sync.RWMutex
	root string
}

// NewFileStore creates a FileStore rooted at dir, creating it with 0700.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store: root directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("file store: create root %s: %w", dir, err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) pathFor(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)+blobSuffix)
}

// Save writes blob atomically.
func (s *FileStore) Save(ctx context.Context, key string, blob []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("file store: create namespace dir: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, blob, 0600); err != nil {
		return fmt.Errorf("file store: write %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("file store: rename %s: %w", key, err)
	}
	return nil
}

// Load reads the blob for key.
func (s *FileStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.pathFor(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("file store: read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the file for key.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.pathFor(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file store: delete %s: %w", key, err)
	}
	return nil
}

// List walks the root and returns sorted keys under prefix.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = normalizePrefix(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, blobSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), blobSuffix)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file store: list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error {
	return nil
}
