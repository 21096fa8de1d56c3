// Package kvstore provides the durable blob store shared by the project
// registry, the adapter store and the conversation context store.
//
// Keys are slash-separated namespaces, typically "<namespace>/<project_id>":
//
//	projects/3f2c...      registry records
//	adapters/3f2c...      adapter artifact metadata
//	conversations/3f2c... conversation context
//
// The store only defines the access pattern. Blob encoding is owned by callers.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Errors returned by Store implementations.
var (
	ErrNotFound       = errors.New("key not found")
	ErrInvalidKey     = errors.New("invalid key")
	ErrClosed         = errors.New("store is closed")
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Store persists opaque blobs under namespaced keys.
type Store interface {
	// Save writes blob under key, replacing any previous value.
	Save(ctx context.Context, key string, blob []byte) error

	// Load returns the blob stored under key or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys under prefix ("projects/" lists every project key).
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// segmentPattern allows alphanumeric, dots, hyphens and underscores.
var segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateKey checks that every segment of key is safe to use as a file name.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(key) > 512 {
		return fmt.Errorf("%w: key too long (max 512)", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("%w: path traversal in %q", ErrInvalidKey, key)
		}
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("%w: bad segment %q in %q", ErrInvalidKey, seg, key)
		}
	}
	if filepath.Clean(key) != key {
		return fmt.Errorf("%w: %q is not clean", ErrInvalidKey, key)
	}
	return nil
}

// Key joins namespace and id into a store key.
func Key(namespace, id string) string {
	return namespace + "/" + id
}

// normalizePrefix makes "projects" and "projects/" equivalent.
func normalizePrefix(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}
