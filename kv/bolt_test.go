package kv

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	trieprune "github.com/wolfeidau/trie-prune"
)

func newTestBolt(t *testing.T, opts ...BoltOption) *Bolt {
	t.Helper()

	opts = append([]BoltOption{WithNoSync(true)}, opts...)
	b, err := NewBolt(filepath.Join(t.TempDir(), "nodes.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})
	return b
}

func TestBoltPutGet(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	key := trieprune.HashBytes([]byte("node")).Key()
	value := []byte("node encoding")

	require.NoError(t, b.Put(ctx, key, value))

	got, err := b.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestBoltGetNotFound(t *testing.T) {
	b := newTestBolt(t)

	_, err := b.Get(context.Background(), trieprune.KeyOf([]byte("missing")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltLargeValueRoundTrip(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	key := trieprune.HashBytes([]byte("big")).Key()
	value := bytes.Repeat([]byte("branch node child hash "), 512)

	require.NoError(t, b.Put(ctx, key, value))

	got, err := b.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestBoltCompressionDisabledRoundTrip(t *testing.T) {
	b := newTestBolt(t, WithCompression(false))
	ctx := context.Background()

	key := trieprune.HashBytes([]byte("big")).Key()
	value := bytes.Repeat([]byte("branch node child hash "), 512)

	require.NoError(t, b.Put(ctx, key, value))

	got, err := b.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestBoltPutBatch(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	keep := trieprune.KeyOf([]byte("keep"))
	gone := trieprune.KeyOf([]byte("gone"))

	require.NoError(t, b.Put(ctx, gone, []byte("old")))

	err := b.PutBatch(ctx, map[trieprune.Key][]byte{
		keep: []byte("new"),
		gone: nil,
	})
	require.NoError(t, err)

	got, err := b.Get(ctx, keep)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)

	_, err = b.Get(ctx, gone)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltDeleteBatch(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	a := trieprune.KeyOf([]byte("a"))
	c := trieprune.KeyOf([]byte("c"))

	require.NoError(t, b.Put(ctx, a, []byte("1")))
	require.NoError(t, b.Put(ctx, c, []byte("3")))

	// Missing keys are ignored.
	require.NoError(t, b.DeleteBatch(ctx, []trieprune.Key{a, trieprune.KeyOf([]byte("missing"))}))

	_, err := b.Get(ctx, a)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = b.Get(ctx, c)
	require.NoError(t, err)
}

func TestBoltKeysAndIsEmpty(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	empty, err := b.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)

	k1 := trieprune.KeyOf([]byte("k1"))
	k2 := trieprune.KeyOf([]byte("k2"))
	require.NoError(t, b.Put(ctx, k1, []byte("1")))
	require.NoError(t, b.Put(ctx, k2, []byte("2")))

	empty, err = b.IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty)

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []trieprune.Key{k1, k2}, keys)
}

func TestBoltReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.db")
	ctx := context.Background()

	key := trieprune.KeyOf([]byte("persist"))

	b, err := NewBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, key, []byte("survives")))
	require.NoError(t, b.Close())

	reopened, err := NewBolt(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	got, err := reopened.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("survives"), got)
}
