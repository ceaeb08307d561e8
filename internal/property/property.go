// Package property is the durable key/value string store that holds sync
// cursors between invocations.
package property

import (
	"context"
	"fmt"
	"sync"
)

// Store is process-wide key/value string storage scoped to one namespace.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Kind selects a Store implementation.
type Kind string

const (
	KindFile   Kind = "file"
	KindRedis  Kind = "redis"
	KindMemory Kind = "memory"
)

// Options configures Open.
type Options struct {
	Kind Kind
	// Path is the JSON file used by KindFile.
	Path string
	// Namespace scopes keys; one per invoking user/context.
	Namespace string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open builds the Store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Kind {
	case KindFile, "":
		return NewFileStore(opts.Path, opts.Namespace)
	case KindRedis:
		return NewRedisStore(ctx, opts)
	case KindMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("property: unknown store kind %q", opts.Kind)
	}
}

// MemoryStore keeps values in a map. It is not persisted.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
