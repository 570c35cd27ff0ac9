package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	trieprune "github.com/wolfeidau/trie-prune"
)

// LevelDB implements Store using goleveldb. Batches map directly onto
// leveldb write batches, so PutBatch and DeleteBatch are atomic.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens a leveldb-backed store at the given path.
// The database is created if it does not exist.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// Get retrieves the value stored under key.
func (l *LevelDB) Get(_ context.Context, key trieprune.Key) ([]byte, error) {
	v, err := l.db.Get(key.Bytes(), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading node: %w", err)
	}
	return v, nil
}

// Put stores value under key.
func (l *LevelDB) Put(_ context.Context, key trieprune.Key, value []byte) error {
	if err := l.db.Put(key.Bytes(), value, nil); err != nil {
		return fmt.Errorf("writing node: %w", err)
	}
	return nil
}

// PutBatch applies rows as one write batch. Nil-valued rows delete.
func (l *LevelDB) PutBatch(_ context.Context, rows map[trieprune.Key][]byte) error {
	batch := new(leveldb.Batch)
	for k, v := range rows {
		if v == nil {
			batch.Delete(k.Bytes())
			continue
		}
		batch.Put(k.Bytes(), v)
	}
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("writing node batch: %w", err)
	}
	return nil
}

// DeleteBatch removes keys as one write batch.
func (l *LevelDB) DeleteBatch(_ context.Context, keys []trieprune.Key) error {
	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete(k.Bytes())
	}
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("deleting node batch: %w", err)
	}
	return nil
}

// Keys enumerates every stored key.
func (l *LevelDB) Keys(_ context.Context) ([]trieprune.Key, error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	var keys []trieprune.Key
	for iter.Next() {
		keys = append(keys, trieprune.KeyOf(append([]byte(nil), iter.Key()...)))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	return keys, nil
}

// IsEmpty reports whether the store holds no entries.
func (l *LevelDB) IsEmpty(_ context.Context) (bool, error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	empty := !iter.Next()
	if err := iter.Error(); err != nil {
		return false, err
	}
	return empty, nil
}

// Close closes the database.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

var _ Store = (*LevelDB)(nil)
