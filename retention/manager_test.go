package retention

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trieprune "github.com/wolfeidau/trie-prune"
	"github.com/wolfeidau/trie-prune/journal"
	"github.com/wolfeidau/trie-prune/kv"
)

type scriptedResolver struct {
	canonical map[uint64]trieprune.Hash
	err       error
}

func (r *scriptedResolver) CanonicalAt(_ context.Context, number uint64) (trieprune.Hash, error) {
	if r.err != nil {
		return trieprune.Hash{}, r.err
	}
	h, ok := r.canonical[number]
	if !ok {
		return trieprune.Hash{}, fmt.Errorf("height %d not indexed", number)
	}
	return h, nil
}

func newTestJournal(t *testing.T) *journal.Store {
	t.Helper()

	s := journal.New(kv.NewMemory())
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

// sealBlock writes one node per name and seals them under the block hash
// derived from the block name.
func sealBlock(t *testing.T, s *journal.Store, block string, number uint64, nodes ...string) trieprune.Hash {
	t.Helper()

	ctx := context.Background()
	for _, n := range nodes {
		require.NoError(t, s.Put(ctx, trieprune.KeyOf([]byte(n)), []byte("value-"+n)))
	}
	h := trieprune.HashBytes([]byte(block))
	s.StoreBlockChanges(h, number)
	return h
}

func TestManager_RunNow(t *testing.T) {
	ctx := context.Background()
	s := newTestJournal(t)

	canonical := make(map[uint64]trieprune.Hash)
	for n := uint64(1); n <= 4; n++ {
		canonical[n] = sealBlock(t, s, fmt.Sprintf("block-%d", n), n, fmt.Sprintf("node-%d", n))
	}

	config := DefaultConfig()
	config.RetainBlocks = 2

	mgr := New(s, &scriptedResolver{canonical: canonical}, config)
	result, err := mgr.RunNow(ctx)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, uint64(4), result.TipNumber)
	assert.Equal(t, 2, result.HeightsSettled, "heights 1 and 2 are beyond the retain window")
	assert.Equal(t, 2, result.BlocksPruned)
	assert.Equal(t, 0, result.ForksDiscarded)
	assert.Empty(t, result.Errors)
	assert.Greater(t, result.Duration, time.Duration(0))

	assert.Equal(t, 2, s.OpenBlocks(), "heights 3 and 4 stay journaled")
}

func TestManager_RunNow_ResolvesFork(t *testing.T) {
	ctx := context.Background()
	s := newTestJournal(t)

	winner := sealBlock(t, s, "block-1", 1, "node-shared")
	sealBlock(t, s, "fork-1", 1, "node-fork-only")

	config := DefaultConfig()
	config.RetainBlocks = 0

	mgr := New(s, &scriptedResolver{canonical: map[uint64]trieprune.Hash{1: winner}}, config)
	result, err := mgr.RunNow(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, result.BlocksPruned)
	assert.Equal(t, 0, result.ForksDiscarded, "the journal rolls fork siblings back inside prune")
	assert.Zero(t, s.OpenBlocks())

	_, err = s.Get(ctx, trieprune.KeyOf([]byte("node-shared")))
	require.NoError(t, err)
	_, err = s.Get(ctx, trieprune.KeyOf([]byte("node-fork-only")))
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestManager_RunNow_DiscardsStaleForks(t *testing.T) {
	ctx := context.Background()
	s := newTestJournal(t)

	sealBlock(t, s, "fork-1", 1, "node-fork-only")

	// The canonical block at height 1 was never journaled here.
	elsewhere := trieprune.HashBytes([]byte("sealed-elsewhere"))

	config := DefaultConfig()
	config.RetainBlocks = 0

	mgr := New(s, &scriptedResolver{canonical: map[uint64]trieprune.Hash{1: elsewhere}}, config)
	result, err := mgr.RunNow(ctx)

	require.NoError(t, err)
	assert.Equal(t, 0, result.BlocksPruned)
	assert.Equal(t, 1, result.ForksDiscarded)
	assert.Zero(t, s.OpenBlocks())

	_, err = s.Get(ctx, trieprune.KeyOf([]byte("node-fork-only")))
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestManager_RunNow_ResolverErrorStopsCycle(t *testing.T) {
	ctx := context.Background()
	s := newTestJournal(t)

	sealBlock(t, s, "block-1", 1, "node-1")
	sealBlock(t, s, "block-2", 2, "node-2")

	config := DefaultConfig()
	config.RetainBlocks = 0

	mgr := New(s, &scriptedResolver{err: errors.New("index offline")}, config)
	result, err := mgr.RunNow(ctx)

	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "index offline")
	assert.Equal(t, 0, result.HeightsSettled)
	assert.Equal(t, 0, result.BlocksPruned)
	assert.Equal(t, 2, s.OpenBlocks(), "no height settled after the failure")
}

func TestManager_RunNow_NothingSettled(t *testing.T) {
	ctx := context.Background()
	s := newTestJournal(t)

	sealBlock(t, s, "block-1", 1, "node-1")

	mgr := New(s, &scriptedResolver{}, DefaultConfig())
	result, err := mgr.RunNow(ctx)

	require.NoError(t, err)
	assert.Equal(t, 0, result.HeightsSettled, "tip is inside the retain window")
	assert.Equal(t, 1, s.OpenBlocks())
}

func TestManager_StartStop(t *testing.T) {
	ctx := context.Background()
	s := newTestJournal(t)

	config := DefaultConfig()
	config.StartupDelay = 10 * time.Millisecond
	config.Interval = 50 * time.Millisecond

	mgr := New(s, &scriptedResolver{}, config)
	mgr.Start(ctx)

	time.Sleep(100 * time.Millisecond)

	status := mgr.Status()
	require.NotNil(t, status, "should have run at least once")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	err := mgr.Stop(stopCtx)
	require.NoError(t, err)

	err = mgr.Stop(stopCtx)
	require.NoError(t, err, "stop should be idempotent")
}

func TestManager_Status(t *testing.T) {
	ctx := context.Background()
	s := newTestJournal(t)

	mgr := New(s, &scriptedResolver{}, DefaultConfig())

	assert.Nil(t, mgr.Status(), "status should be nil before first run")

	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)

	status := mgr.Status()
	require.NotNil(t, status)
	assert.Equal(t, result, status)
}

func TestManager_ContextCancellation(t *testing.T) {
	s := newTestJournal(t)

	config := DefaultConfig()
	config.StartupDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	mgr := New(s, &scriptedResolver{}, config)
	mgr.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	time.Sleep(100 * time.Millisecond)
}

func TestManager_DoubleStart(t *testing.T) {
	ctx := context.Background()
	s := newTestJournal(t)

	config := DefaultConfig()
	config.StartupDelay = time.Hour

	mgr := New(s, &scriptedResolver{}, config)
	mgr.Start(ctx)
	mgr.Start(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	err := mgr.Stop(stopCtx)
	require.NoError(t, err)
}
