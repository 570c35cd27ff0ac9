// Package trieprune provides the identity types shared by the journaled
// pruning layer: content-addressed keys for trie nodes and BLAKE3 block
// hashes.
package trieprune

import (
	"encoding/hex"
	"fmt"
)

// Key is an immutable byte-sequence identity for a stored trie node.
// Equality and map hashing follow content, not buffer identity, which
// makes Key safe as a map or set key throughout the pruning layer.
type Key string

// KeyOf returns the Key for the given raw bytes.
func KeyOf(b []byte) Key {
	return Key(b)
}

// KeyOfHex parses a hex-encoded key.
func KeyOfHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decoding key hex: %w", err)
	}
	return Key(b), nil
}

// Bytes returns a copy of the key's raw bytes.
func (k Key) Bytes() []byte {
	return []byte(k)
}

// Hex returns the hex-encoded representation of the key.
func (k Key) Hex() string {
	return hex.EncodeToString([]byte(k))
}

// ShortString returns a shortened hex representation for display.
// Keys at or below eight bytes are rendered in full.
func (k Key) ShortString() string {
	if len(k) <= 8 {
		return k.Hex()
	}
	return hex.EncodeToString([]byte(k[:8]))
}

// Len returns the key length in bytes.
func (k Key) Len() int {
	return len(k)
}
