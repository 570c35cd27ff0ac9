// Package journal implements the deferred-deletion, reference-counted
// pruning layer between a state trie and its durable key-value store.
//
// Inserts are written through to the backing store immediately; deletes
// are held back and tied to the block that made them. When a block is
// pruned as canonical its deferred deletes are resolved against the
// reference table, and every fork sibling sealed at the same height is
// rolled back. The journal and reference table live in memory only: a
// restart abandons unapplied deferred deletes, never durable data.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	trieprune "github.com/wolfeidau/trie-prune"
	"github.com/wolfeidau/trie-prune/kv"
)

var (
	// ErrUnsupported is returned for incremental batch staging operations,
	// which the pruning layer cannot track. Use PutBatch.
	ErrUnsupported = errors.New("journal: incremental batch staging not supported")

	// ErrNoRef reports a reference-count invariant violation: a sealed
	// block listed an inserted key that was never reference-counted.
	ErrNoRef = errors.New("journal: no reference for key")

	// ErrUnknownBlock is returned when rolling back a block that is not
	// in the journal.
	ErrUnknownBlock = errors.New("journal: unknown block")
)

// Store is the key-value facade the trie writes through. It buffers the
// current block's inserted and deleted keys, seals them into the journal
// on StoreBlockChanges, and resolves them on Prune or Rollback.
//
// One mutex guards the pending buffer, the journal and the reference
// table jointly. Get and Keys bypass it and read the backing store
// directly.
type Store struct {
	mu      sync.Mutex
	backing kv.Store
	logger  *slog.Logger
	metrics *Metrics

	enabled bool
	pending *Update
	log     *blockLog
	refs    map[trieprune.Key]keyRef
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics builds metric instruments on the given meter.
func WithMetrics(meter metric.Meter) Option {
	return func(s *Store) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			s.logger.Error("failed to create journal metrics", "error", err)
			return
		}
		s.metrics = metrics
	}
}

// New creates a pruning layer over the backing store.
// Pruning is enabled by default.
func New(backing kv.Store, opts ...Option) *Store {
	s := &Store{
		backing: backing,
		logger:  slog.Default(),
		enabled: true,
		pending: newUpdate(),
		log:     newBlockLog(),
		refs:    make(map[trieprune.Key]keyRef),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPruneEnabled toggles deferred-delete bookkeeping. While disabled,
// inserts pass straight through and deletes are dropped entirely.
func (s *Store) SetPruneEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// PruneEnabled reports whether deferred-delete bookkeeping is active.
func (s *Store) PruneEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Put writes value through to the backing store and records the insert
// in the unsealed buffer. A nil value is a delete request: it is buffered
// only, never forwarded, until a prune resolves it.
func (s *Store) Put(ctx context.Context, key trieprune.Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value == nil {
		if s.enabled {
			s.pending.Deleted[key] = struct{}{}
		}
		return nil
	}

	if s.enabled {
		s.pending.Inserted[key] = struct{}{}
		if err := s.incRefLocked(ctx, key); err != nil {
			return err
		}
	}

	if err := s.backing.Put(ctx, key, value); err != nil {
		return fmt.Errorf("writing through: %w", err)
	}
	return nil
}

// Delete records a deferred delete for key. While pruning is disabled the
// call is dropped entirely and never reaches the backing store. The
// asymmetry with insert passthrough is deliberate.
func (s *Store) Delete(_ context.Context, key trieprune.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return nil
	}
	s.pending.Deleted[key] = struct{}{}
	return nil
}

// PutBatch partitions rows: nil-valued rows are buffered as deferred
// deletes, the rest are recorded as inserts and forwarded to the backing
// store as one batch.
func (s *Store) PutBatch(ctx context.Context, rows map[trieprune.Key][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserts := make(map[trieprune.Key][]byte, len(rows))
	for k, v := range rows {
		if v == nil {
			if s.enabled {
				s.pending.Deleted[k] = struct{}{}
			}
			continue
		}
		if s.enabled {
			s.pending.Inserted[k] = struct{}{}
			if err := s.incRefLocked(ctx, k); err != nil {
				return err
			}
		}
		inserts[k] = v
	}

	if len(inserts) == 0 {
		return nil
	}
	if err := s.backing.PutBatch(ctx, inserts); err != nil {
		return fmt.Errorf("writing through batch: %w", err)
	}
	return nil
}

// DeleteBatch records deferred deletes for keys. No-op while pruning is
// disabled.
func (s *Store) DeleteBatch(_ context.Context, keys []trieprune.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return nil
	}
	for _, k := range keys {
		s.pending.Deleted[k] = struct{}{}
	}
	return nil
}

// PutToBatch is not supported: rows staged outside a single atomic batch
// cannot be journaled. Use PutBatch.
func (s *Store) PutToBatch(trieprune.Key, []byte) error {
	return ErrUnsupported
}

// CommitBatch is not supported. Use PutBatch.
func (s *Store) CommitBatch() error {
	return ErrUnsupported
}

// Get reads straight through to the backing store.
func (s *Store) Get(ctx context.Context, key trieprune.Key) ([]byte, error) {
	return s.backing.Get(ctx, key)
}

// Keys enumerates the backing store's keys. Keys with deferred deletes
// still appear: their data remains physically present until pruned.
func (s *Store) Keys(ctx context.Context) ([]trieprune.Key, error) {
	return s.backing.Keys(ctx)
}

// IsEmpty returns false while the unsealed buffer holds inserts,
// regardless of the backing store's state; otherwise it delegates.
// Pending deletes are ignored: the underlying data is still present.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	s.mu.Lock()
	pendingInserts := len(s.pending.Inserted)
	s.mu.Unlock()

	if pendingInserts > 0 {
		return false, nil
	}
	return s.backing.IsEmpty(ctx)
}

// Close closes the backing store. Journal state is in-memory only and is
// discarded.
func (s *Store) Close() error {
	return s.backing.Close()
}

// Backing returns the underlying store.
func (s *Store) Backing() kv.Store {
	return s.backing
}

// RefCounts returns a snapshot of the reference table.
func (s *Store) RefCounts() map[trieprune.Key]RefCount {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[trieprune.Key]RefCount, len(s.refs))
	for k, r := range s.refs {
		out[k] = RefCount{Durable: r.durable, JournalRefs: r.refs, TotalRefs: r.total()}
	}
	return out
}

// BlockUpdates returns a snapshot of the journal in seal order.
func (s *Store) BlockUpdates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snapshot()
}

// OpenBlocks returns the number of sealed, not yet resolved blocks.
func (s *Store) OpenBlocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.len()
}

// PendingInserts returns the number of inserts in the unsealed buffer.
func (s *Store) PendingInserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending.Inserted)
}

// PendingDeletes returns the number of deferred deletes in the unsealed
// buffer.
func (s *Store) PendingDeletes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending.Deleted)
}

var _ kv.Store = (*Store)(nil)
