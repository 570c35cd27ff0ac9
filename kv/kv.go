// Package kv provides the durable key-value store contract the pruning
// layer writes trie nodes through, along with memory, bbolt, leveldb and
// filesystem implementations.
package kv

import (
	"context"
	"errors"

	trieprune "github.com/wolfeidau/trie-prune"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Store defines the backing key-value store contract.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the value stored under key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key trieprune.Key) ([]byte, error)

	// Put stores value under key, overwriting any existing value.
	Put(ctx context.Context, key trieprune.Key, value []byte) error

	// PutBatch applies rows as a single batch. A row with a nil value is
	// an unconditional physical delete of its key.
	PutBatch(ctx context.Context, rows map[trieprune.Key][]byte) error

	// DeleteBatch removes keys as a single batch.
	// Keys that do not exist are ignored.
	DeleteBatch(ctx context.Context, keys []trieprune.Key) error

	// Keys enumerates every stored key. Order is unspecified.
	Keys(ctx context.Context) ([]trieprune.Key, error)

	// IsEmpty reports whether the store holds no entries.
	IsEmpty(ctx context.Context) (bool, error)

	// Close releases underlying resources.
	Close() error
}
