package kvstore

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path is the root directory for the file backend and the database
	// file for sqlite.
	Path  string
	Redis RedisOptions
}

// Open constructs the backend named by opts.Backend. An empty backend means sqlite.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendFile:
		return NewFileStore(opts.Path)
	case "", BackendSQLite:
		return NewSQLiteStore(opts.Path)
	case BackendRedis:
		return NewRedisStore(ctx, opts.Redis)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
