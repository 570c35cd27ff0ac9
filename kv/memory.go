package kv

import (
	"context"
	"sync"

	trieprune "github.com/wolfeidau/trie-prune"
)

// Memory is an in-memory Store guarded by a read-write mutex.
// Values are copied on both write and read, matching the ownership
// semantics of the disk-backed implementations.
type Memory struct {
	mu   sync.RWMutex
	rows map[trieprune.Key][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[trieprune.Key][]byte)}
}

// Get retrieves the value stored under key.
func (m *Memory) Get(_ context.Context, key trieprune.Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.rows[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores value under key.
func (m *Memory) Put(_ context.Context, key trieprune.Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows[key] = append([]byte(nil), value...)
	return nil
}

// PutBatch applies rows in one critical section. Nil-valued rows delete.
func (m *Memory) PutBatch(_ context.Context, rows map[trieprune.Key][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range rows {
		if v == nil {
			delete(m.rows, k)
			continue
		}
		m.rows[k] = append([]byte(nil), v...)
	}
	return nil
}

// DeleteBatch removes keys in one critical section.
func (m *Memory) DeleteBatch(_ context.Context, keys []trieprune.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.rows, k)
	}
	return nil
}

// Keys enumerates every stored key.
func (m *Memory) Keys(_ context.Context) ([]trieprune.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]trieprune.Key, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	return keys, nil
}

// IsEmpty reports whether the store holds no entries.
func (m *Memory) IsEmpty(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.rows) == 0, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.rows)
}

// Close releases nothing for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

var _ Store = (*Memory)(nil)
