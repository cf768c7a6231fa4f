package session

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrNotFound is returned by Get for an absent key.
var ErrNotFound = errors.New("session: key not found")

// KV is durable storage keyed by fixed string names. Implementations scope
// keys to one session.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// MemoryStore is a KV kept in process memory, used when Redis is not configured.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(value), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = slices.Clone(value)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.values)
	return nil
}

// Factory hands out the KV of a session, creating it on first use.
type Factory struct {
	mu       sync.Mutex
	redis    *RedisStore
	sessions map[string]KV
}

// NewFactory returns a factory backed by redis, or by memory when redis is nil.
func NewFactory(redis *RedisStore) *Factory {
	return &Factory{redis: redis, sessions: make(map[string]KV)}
}

func (f *Factory) For(sessionID string) KV {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kv, ok := f.sessions[sessionID]; ok {
		return kv
	}
	var kv KV
	if f.redis != nil {
		kv = f.redis.ForSession(sessionID)
	} else {
		kv = NewMemoryStore()
	}
	f.sessions[sessionID] = kv
	return kv
}
