package kv

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	trieprune "github.com/wolfeidau/trie-prune"
)

// Filesystem implements Store with one file per key, sharded into
// subdirectories by the key's leading hex byte. Writes are atomic using
// a temp file and rename pattern. Batches are applied row by row and are
// not atomic across keys.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem store rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

func (f *Filesystem) keyToPath(key trieprune.Key) string {
	hex := key.Hex()
	if len(hex) < 4 {
		return filepath.Join(f.root, hex)
	}
	return filepath.Join(f.root, hex[:2], hex)
}

// Get retrieves the value stored under key.
func (f *Filesystem) Get(_ context.Context, key trieprune.Key) ([]byte, error) {
	data, err := os.ReadFile(f.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading node file: %w", err)
	}
	return data, nil
}

// Put stores value under key using an atomic write.
func (f *Filesystem) Put(_ context.Context, key trieprune.Key, value []byte) error {
	return f.write(key, value)
}

func (f *Filesystem) write(key trieprune.Key, value []byte) error {
	path := f.keyToPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(value); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

func (f *Filesystem) remove(key trieprune.Key) error {
	err := os.Remove(f.keyToPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing node file: %w", err)
	}
	return nil
}

// PutBatch applies rows one file at a time. Nil-valued rows delete.
func (f *Filesystem) PutBatch(_ context.Context, rows map[trieprune.Key][]byte) error {
	for k, v := range rows {
		if v == nil {
			if err := f.remove(k); err != nil {
				return err
			}
			continue
		}
		if err := f.write(k, v); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBatch removes keys one file at a time.
func (f *Filesystem) DeleteBatch(_ context.Context, keys []trieprune.Key) error {
	for _, k := range keys {
		if err := f.remove(k); err != nil {
			return err
		}
	}
	return nil
}

// Keys enumerates every stored key. Files whose names are not valid hex
// are skipped.
func (f *Filesystem) Keys(_ context.Context) ([]trieprune.Key, error) {
	var keys []trieprune.Key
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		key, err := trieprune.KeyOfHex(d.Name())
		if err != nil {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking node files: %w", err)
	}
	return keys, nil
}

// errStopWalk terminates a walk early once a first entry is seen.
var errStopWalk = errors.New("stop walk")

// IsEmpty reports whether any node file exists under the root.
func (f *Filesystem) IsEmpty(_ context.Context) (bool, error) {
	found := false
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		found = true
		return errStopWalk
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return false, fmt.Errorf("walking node files: %w", err)
	}
	return !found, nil
}

// Close releases nothing for the filesystem store.
func (f *Filesystem) Close() error {
	return nil
}

var _ Store = (*Filesystem)(nil)
