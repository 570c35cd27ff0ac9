package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	trieprune "github.com/wolfeidau/trie-prune"
)

func newTestLevelDB(t *testing.T) *LevelDB {
	t.Helper()

	l, err := NewLevelDB(filepath.Join(t.TempDir(), "nodes"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, l.Close())
	})
	return l
}

func TestLevelDBPutGet(t *testing.T) {
	l := newTestLevelDB(t)
	ctx := context.Background()

	key := trieprune.HashBytes([]byte("node")).Key()
	value := []byte("node encoding")

	require.NoError(t, l.Put(ctx, key, value))

	got, err := l.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestLevelDBGetNotFound(t *testing.T) {
	l := newTestLevelDB(t)

	_, err := l.Get(context.Background(), trieprune.KeyOf([]byte("missing")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLevelDBPutBatch(t *testing.T) {
	l := newTestLevelDB(t)
	ctx := context.Background()

	keep := trieprune.KeyOf([]byte("keep"))
	gone := trieprune.KeyOf([]byte("gone"))

	require.NoError(t, l.Put(ctx, gone, []byte("old")))

	err := l.PutBatch(ctx, map[trieprune.Key][]byte{
		keep: []byte("new"),
		gone: nil,
	})
	require.NoError(t, err)

	got, err := l.Get(ctx, keep)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)

	_, err = l.Get(ctx, gone)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLevelDBDeleteBatch(t *testing.T) {
	l := newTestLevelDB(t)
	ctx := context.Background()

	a := trieprune.KeyOf([]byte("a"))
	c := trieprune.KeyOf([]byte("c"))

	require.NoError(t, l.Put(ctx, a, []byte("1")))
	require.NoError(t, l.Put(ctx, c, []byte("3")))

	require.NoError(t, l.DeleteBatch(ctx, []trieprune.Key{a, trieprune.KeyOf([]byte("missing"))}))

	_, err := l.Get(ctx, a)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = l.Get(ctx, c)
	require.NoError(t, err)
}

func TestLevelDBKeysAndIsEmpty(t *testing.T) {
	l := newTestLevelDB(t)
	ctx := context.Background()

	empty, err := l.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)

	k1 := trieprune.KeyOf([]byte("k1"))
	k2 := trieprune.KeyOf([]byte("k2"))
	require.NoError(t, l.Put(ctx, k1, []byte("1")))
	require.NoError(t, l.Put(ctx, k2, []byte("2")))

	empty, err = l.IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty)

	keys, err := l.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []trieprune.Key{k1, k2}, keys)
}

func TestLevelDBReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes")
	ctx := context.Background()

	key := trieprune.KeyOf([]byte("persist"))

	l, err := NewLevelDB(path)
	require.NoError(t, err)
	require.NoError(t, l.Put(ctx, key, []byte("survives")))
	require.NoError(t, l.Close())

	reopened, err := NewLevelDB(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	got, err := reopened.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("survives"), got)
}
