package journal

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	trieprune "github.com/wolfeidau/trie-prune"
)

// StoreBlockChanges seals the unsealed buffer into the journal under the
// block's hash and number and starts a fresh buffer. No-op while pruning
// is disabled.
func (s *Store) StoreBlockChanges(block trieprune.Hash, number uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return
	}

	s.pending.Block = block
	s.pending.Number = number
	inserted, deleted := len(s.pending.Inserted), len(s.pending.Deleted)
	s.log.put(s.pending)
	s.pending = newUpdate()

	if s.metrics != nil {
		ctx := context.Background()
		s.metrics.blocksSealed.Add(ctx, 1)
		s.metrics.openBlocks.Record(ctx, int64(s.log.len()))
	}

	s.logger.Debug("sealed block changes",
		"block", block.ShortString(), "number", number,
		"inserted", inserted, "deleted", deleted)
}

// Prune commits block as canonical at its height. Its deferred deletes
// are resolved against the reference table and applied to the backing
// store as one batch, its inserts are promoted durable, and every fork
// sibling still journaled at the same height is rolled back. Pruning a
// block that is not journaled is a no-op.
func (s *Store) Prune(ctx context.Context, block trieprune.Hash, number uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return nil
	}

	start := time.Now()

	update, ok := s.log.remove(block)
	if !ok {
		return nil
	}

	// The block's writes are now part of durable state, no longer claims
	// held open by the journal. Promotion must land before the decrement
	// so it sticks on entries still referenced by descendant blocks.
	for key := range update.Inserted {
		if _, err := s.decRefLocked(key, true); err != nil {
			return err
		}
	}

	var purge []trieprune.Key
	for key := range update.Deleted {
		ref, ok := s.refs[key]
		if !ok || ref.refs == 0 {
			purge = append(purge, key)
			continue
		}
		// Still claimed by other journaled blocks. The canonical chain
		// has deleted the key, so its presence now rests on those claims
		// alone.
		ref.durable = false
		s.refs[key] = ref
	}

	if len(purge) > 0 {
		if err := s.backing.DeleteBatch(ctx, purge); err != nil {
			return fmt.Errorf("applying deferred deletes: %w", err)
		}
	}

	// Only one block per height wins; undo every remaining contender.
	siblings := s.log.atHeight(number)
	for _, sibling := range siblings {
		if err := s.rollbackLocked(ctx, sibling); err != nil {
			return err
		}
	}

	if s.metrics != nil {
		s.metrics.blocksPruned.Add(ctx, 1)
		s.metrics.keysPurged.Add(ctx, int64(len(purge)),
			metric.WithAttributes(attribute.String("path", "prune")))
		s.metrics.pruneDuration.Record(ctx, time.Since(start).Seconds())
		s.metrics.openBlocks.Record(ctx, int64(s.log.len()))
	}

	s.logger.Debug("pruned block",
		"block", block.ShortString(), "number", number,
		"purged", len(purge), "siblings_rolled_back", len(siblings))
	return nil
}

// Rollback undoes a sealed block's provisional inserts, physically
// removing any whose last claim it held. Rolling back a block that is
// not journaled returns ErrUnknownBlock without touching any state.
func (s *Store) Rollback(ctx context.Context, block trieprune.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return nil
	}
	if _, ok := s.log.get(block); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, block.ShortString())
	}
	return s.rollbackLocked(ctx, block)
}

// rollbackLocked removes block from the journal and releases its insert
// claims. Keys left with no claim at all are removed from the backing
// store through the batch-write tombstone path. Caller holds s.mu.
func (s *Store) rollbackLocked(ctx context.Context, block trieprune.Hash) error {
	update, ok := s.log.remove(block)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, block.ShortString())
	}

	tombstones := make(map[trieprune.Key][]byte)
	for key := range update.Inserted {
		ref, err := s.decRefLocked(key, false)
		if err != nil {
			return err
		}
		if ref.total() == 0 {
			tombstones[key] = nil
		}
	}

	if len(tombstones) > 0 {
		if err := s.backing.PutBatch(ctx, tombstones); err != nil {
			return fmt.Errorf("applying rollback tombstones: %w", err)
		}
	}

	if s.metrics != nil {
		s.metrics.blocksRolledBack.Add(ctx, 1)
		s.metrics.keysPurged.Add(ctx, int64(len(tombstones)),
			metric.WithAttributes(attribute.String("path", "rollback")))
		s.metrics.openBlocks.Record(ctx, int64(s.log.len()))
	}

	s.logger.Debug("rolled back block",
		"block", update.Block.ShortString(), "number", update.Number,
		"purged", len(tombstones))
	return nil
}
