package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Namespace prefixes every key ("gardener" -> "gardener:projects/<id>").
	Namespace string
}

// RedisStore stores blobs as plain redis strings.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore connects to redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Namespace == "" {
		opts.Namespace = "gardener"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis store: ping %s: %w", opts.Addr, err)
	}
	return NewRedisStoreWithClient(client, opts.Namespace), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", s.namespace, key)
}

// Save sets key to blob.
func (s *RedisStore) Save(ctx context.Context, key string, blob []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.redisKey(key), blob, 0).Err(); err != nil {
		return fmt.Errorf("redis store: save %s: %w", key, err)
	}
	return nil
}

// Load gets the blob for key.
func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	blob, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: load %s: %w", key, err)
	}
	return blob, nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis store: delete %s: %w", key, err)
	}
	return nil
}

// List scans keys under prefix. SCAN may return duplicates, so results are deduplicated.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = normalizePrefix(prefix)
	nsPrefix := s.namespace + ":"
	seen := make(map[string]struct{})

	iter := s.client.Scan(ctx, 0, nsPrefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), nsPrefix)
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis store: list %q: %w", prefix, err)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
