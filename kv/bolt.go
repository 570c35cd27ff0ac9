package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	trieprune "github.com/wolfeidau/trie-prune"
)

// bucketNodes holds every trie node keyed by its raw key bytes.
var bucketNodes = []byte("nodes")

// Bolt implements Store using bbolt with a single nodes bucket.
type Bolt struct {
	db       *bbolt.DB
	codec    *valueCodec
	logger   *slog.Logger
	noSync   bool
	compress bool
}

// BoltOption configures a Bolt store.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// WithCompression toggles zstd compression of stored values.
// Enabled by default; values below the compression threshold and values
// that do not shrink are stored raw either way.
func WithCompression(compress bool) BoltOption {
	return func(b *Bolt) {
		b.compress = compress
	}
}

// NewBolt opens a bbolt-backed store at the given path.
func NewBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{
		logger:   slog.Default(),
		compress: true,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNodes); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketNodes, err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	codec, err := newValueCodec(b.compress)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating value codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened node store", "path", path, "noSync", b.noSync, "compress", b.compress)
	return b, nil
}

// Get retrieves the value stored under key.
func (b *Bolt) Get(_ context.Context, key trieprune.Key) ([]byte, error) {
	var framed []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketNodes).Get(key.Bytes())
		if v == nil {
			return ErrNotFound
		}
		framed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.codec.Decode(framed)
}

// Put stores value under key.
func (b *Bolt) Put(_ context.Context, key trieprune.Key, value []byte) error {
	framed := b.codec.Encode(value)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).Put(key.Bytes(), framed)
	})
	if err != nil {
		return fmt.Errorf("writing node: %w", err)
	}
	return nil
}

// PutBatch applies rows in one transaction. Nil-valued rows delete.
func (b *Bolt) PutBatch(_ context.Context, rows map[trieprune.Key][]byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketNodes)
		for k, v := range rows {
			if v == nil {
				if err := bkt.Delete(k.Bytes()); err != nil {
					return err
				}
				continue
			}
			if err := bkt.Put(k.Bytes(), b.codec.Encode(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing node batch: %w", err)
	}
	return nil
}

// DeleteBatch removes keys in one transaction.
func (b *Bolt) DeleteBatch(_ context.Context, keys []trieprune.Key) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketNodes)
		for _, k := range keys {
			if err := bkt.Delete(k.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting node batch: %w", err)
	}
	return nil
}

// Keys enumerates every stored key.
func (b *Bolt) Keys(_ context.Context) ([]trieprune.Key, error) {
	var keys []trieprune.Key
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, _ []byte) error {
			keys = append(keys, trieprune.KeyOf(append([]byte(nil), k...)))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	return keys, nil
}

// IsEmpty reports whether the nodes bucket holds no entries.
func (b *Bolt) IsEmpty(_ context.Context) (bool, error) {
	empty := true
	err := b.db.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(bucketNodes).Cursor().First()
		empty = k == nil
		return nil
	})
	if err != nil {
		return false, err
	}
	return empty, nil
}

// Close closes the database and releases codec resources.
func (b *Bolt) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing node store")
	return b.db.Close()
}

var _ Store = (*Bolt)(nil)
