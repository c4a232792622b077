// Package store is the durable store of the sync engine: four logical tables (queue,
// conflicts, offline data, sync status) persisted as whole JSON documents in a key-value backend.
package store

import (
	"context"
	"sync"
)

// KV is the asynchronous key-value persistence the store is built on.
// *db.DB satisfies it with a SQLite table and may be shared with other processes, so
// read-modify-write goes through Update.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Update atomically replaces the value under key with fn's result. fn receives nil when
	// the key is absent; an error from fn leaves the value untouched.
	Update(ctx context.Context, key string, fn func(value []byte) ([]byte, error)) error
}

// MemoryKV is a goroutine-safe in-memory KV.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores a copy of value under key.
func (m *MemoryKV) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Remove deletes key.
func (m *MemoryKV) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Update applies fn under the write lock.
func (m *MemoryKV) Update(ctx context.Context, key string, fn func(value []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur []byte
	if v, ok := m.data[key]; ok {
		cur = append([]byte(nil), v...)
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	m.data[key] = append([]byte(nil), next...)
	return nil
}
