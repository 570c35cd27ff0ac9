package journal

import (
	"context"
	"errors"
	"fmt"

	trieprune "github.com/wolfeidau/trie-prune"
	"github.com/wolfeidau/trie-prune/kv"
)

// keyRef tracks one key's claim state: whether the key is durably present
// in the backing store independent of the journal, and how many sealed or
// pending block updates list it as inserted.
type keyRef struct {
	durable bool
	refs    int
}

// total counts every claim keeping the key alive. A key may be physically
// removed only when total reaches zero.
func (r keyRef) total() int {
	if r.durable {
		return r.refs + 1
	}
	return r.refs
}

// RefCount is an introspection snapshot of one key's reference state.
type RefCount struct {
	Durable     bool `json:"durable"`
	JournalRefs int  `json:"journal_refs"`
	TotalRefs   int  `json:"total_refs"`
}

// incRefLocked records one journal claim for key. On first sight the
// durable baseline is probed from the backing store, so the probe must
// run before the write-through that would make the key visible.
// Caller holds s.mu.
func (s *Store) incRefLocked(ctx context.Context, key trieprune.Key) error {
	r, ok := s.refs[key]
	if !ok {
		durable, err := s.backingHas(ctx, key)
		if err != nil {
			return err
		}
		r = keyRef{durable: durable}
	}
	r.refs++
	s.refs[key] = r
	return nil
}

// decRefLocked releases one journal claim for key and returns a snapshot
// taken after the mutation. promote marks the key durable before the
// decrement, so the promotion survives in the snapshot even when the
// entry is dropped from the table in the same call. Caller holds s.mu.
func (s *Store) decRefLocked(key trieprune.Key, promote bool) (keyRef, error) {
	r, ok := s.refs[key]
	if !ok {
		return keyRef{}, fmt.Errorf("%w: %s", ErrNoRef, key.ShortString())
	}

	if promote {
		r.durable = true
	}
	r.refs--

	if r.refs == 0 {
		delete(s.refs, key)
	} else {
		s.refs[key] = r
	}
	return r, nil
}

func (s *Store) backingHas(ctx context.Context, key trieprune.Key) (bool, error) {
	_, err := s.backing.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("probing backing store: %w", err)
	}
	return true, nil
}
