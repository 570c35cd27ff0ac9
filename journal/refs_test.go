package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	trieprune "github.com/wolfeidau/trie-prune"
)

func TestKeyRef_Total(t *testing.T) {
	tests := []struct {
		name string
		ref  keyRef
		want int
	}{
		{name: "untracked", ref: keyRef{}, want: 0},
		{name: "journal only", ref: keyRef{refs: 2}, want: 2},
		{name: "durable only", ref: keyRef{durable: true}, want: 1},
		{name: "durable and journaled", ref: keyRef{durable: true, refs: 3}, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.ref.total())
		})
	}
}

func TestStore_DurableBaselineProbedBeforeWriteThrough(t *testing.T) {
	ctx := context.Background()
	s, backing := newTestStore(t)

	preexisting := trieprune.KeyOf([]byte("already-there"))
	fresh := trieprune.KeyOf([]byte("brand-new"))
	require.NoError(t, backing.Put(ctx, preexisting, []byte("v0")))

	require.NoError(t, s.Put(ctx, preexisting, []byte("v1")))
	require.NoError(t, s.Put(ctx, fresh, []byte("v1")))

	refs := s.RefCounts()
	require.Equal(t, RefCount{Durable: true, JournalRefs: 1, TotalRefs: 2}, refs[preexisting])
	require.Equal(t, RefCount{Durable: false, JournalRefs: 1, TotalRefs: 1}, refs[fresh])
}

func TestStore_RepeatInsertsShareOneBaseline(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	key := trieprune.KeyOf([]byte("node-a"))
	require.NoError(t, s.Put(ctx, key, []byte("v1")))
	s.StoreBlockChanges(trieprune.HashBytes([]byte("block-1")), 1)

	// The second sighting must not re-probe the store: the key is now
	// physically present but only because of the first, still
	// provisional, insert.
	require.NoError(t, s.Put(ctx, key, []byte("v2")))

	require.Equal(t, RefCount{Durable: false, JournalRefs: 2, TotalRefs: 2}, s.RefCounts()[key])
}

func TestStore_DecRefUntrackedKey(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.decRefLocked(trieprune.KeyOf([]byte("never-seen")), false)
	require.ErrorIs(t, err, ErrNoRef)
}
