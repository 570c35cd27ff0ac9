package kv

import (
	"context"
	"errors"
	"time"

	trieprune "github.com/wolfeidau/trie-prune"
	"github.com/wolfeidau/trie-prune/telemetry"
)

// Instrumented wraps a Store with per-operation metrics recording.
type Instrumented struct {
	store Store
	name  string
}

// NewInstrumented creates a new instrumented store wrapper.
// The name labels the wrapped store in metrics, e.g. "bolt" or "leveldb".
func NewInstrumented(s Store, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

func (i *Instrumented) Get(ctx context.Context, key trieprune.Key) ([]byte, error) {
	start := time.Now()
	v, err := i.store.Get(ctx, key)
	telemetry.RecordStoreOp(ctx, i.name, "get", outcomeFromError(err), time.Since(start), int64(len(v)))
	return v, err
}

func (i *Instrumented) Put(ctx context.Context, key trieprune.Key, value []byte) error {
	start := time.Now()
	err := i.store.Put(ctx, key, value)
	telemetry.RecordStoreOp(ctx, i.name, "put", outcomeFromError(err), time.Since(start), int64(len(value)))
	return err
}

func (i *Instrumented) PutBatch(ctx context.Context, rows map[trieprune.Key][]byte) error {
	start := time.Now()
	var bytes int64
	for _, v := range rows {
		bytes += int64(len(v))
	}
	err := i.store.PutBatch(ctx, rows)
	telemetry.RecordStoreOp(ctx, i.name, "put_batch", outcomeFromError(err), time.Since(start), bytes)
	return err
}

func (i *Instrumented) DeleteBatch(ctx context.Context, keys []trieprune.Key) error {
	start := time.Now()
	err := i.store.DeleteBatch(ctx, keys)
	telemetry.RecordStoreOp(ctx, i.name, "delete_batch", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (i *Instrumented) Keys(ctx context.Context) ([]trieprune.Key, error) {
	start := time.Now()
	keys, err := i.store.Keys(ctx)
	telemetry.RecordStoreOp(ctx, i.name, "keys", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

func (i *Instrumented) IsEmpty(ctx context.Context) (bool, error) {
	start := time.Now()
	empty, err := i.store.IsEmpty(ctx)
	telemetry.RecordStoreOp(ctx, i.name, "is_empty", outcomeFromError(err), time.Since(start), 0)
	return empty, err
}

func (i *Instrumented) Close() error {
	return i.store.Close()
}

// Unwrap returns the underlying store.
func (i *Instrumented) Unwrap() Store {
	return i.store
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

var _ Store = (*Instrumented)(nil)
