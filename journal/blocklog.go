package journal

import (
	trieprune "github.com/wolfeidau/trie-prune"
)

// Update records the keys one block inserted and deleted. The unsealed
// buffer is an Update with a zero Block; sealing stamps the block hash
// and number. Sealed updates leave the journal only through prune or
// rollback.
type Update struct {
	Block    trieprune.Hash
	Number   uint64
	Inserted map[trieprune.Key]struct{}
	Deleted  map[trieprune.Key]struct{}
}

func newUpdate() *Update {
	return &Update{
		Inserted: make(map[trieprune.Key]struct{}),
		Deleted:  make(map[trieprune.Key]struct{}),
	}
}

// clone returns a deep copy for introspection snapshots.
func (u *Update) clone() Update {
	c := Update{
		Block:    u.Block,
		Number:   u.Number,
		Inserted: make(map[trieprune.Key]struct{}, len(u.Inserted)),
		Deleted:  make(map[trieprune.Key]struct{}, len(u.Deleted)),
	}
	for k := range u.Inserted {
		c.Inserted[k] = struct{}{}
	}
	for k := range u.Deleted {
		c.Deleted[k] = struct{}{}
	}
	return c
}

// blockLog is an insertion-ordered collection of sealed updates keyed by
// block hash. Seal order is preserved for introspection and for the fork
// scan during prune.
type blockLog struct {
	entries map[trieprune.Hash]*Update
	order   []trieprune.Hash
}

func newBlockLog() *blockLog {
	return &blockLog{entries: make(map[trieprune.Hash]*Update)}
}

// put inserts u, keeping the original position if the block was already
// journaled.
func (l *blockLog) put(u *Update) {
	if _, ok := l.entries[u.Block]; !ok {
		l.order = append(l.order, u.Block)
	}
	l.entries[u.Block] = u
}

func (l *blockLog) get(h trieprune.Hash) (*Update, bool) {
	u, ok := l.entries[h]
	return u, ok
}

func (l *blockLog) remove(h trieprune.Hash) (*Update, bool) {
	u, ok := l.entries[h]
	if !ok {
		return nil, false
	}
	delete(l.entries, h)
	for i, o := range l.order {
		if o == h {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return u, true
}

func (l *blockLog) len() int {
	return len(l.entries)
}

// atHeight returns the hashes of journaled blocks sealed at number, in
// seal order. The result is a fresh slice: callers mutate the log while
// iterating it.
func (l *blockLog) atHeight(number uint64) []trieprune.Hash {
	var hashes []trieprune.Hash
	for _, h := range l.order {
		if l.entries[h].Number == number {
			hashes = append(hashes, h)
		}
	}
	return hashes
}

// snapshot returns deep copies of the journaled updates in seal order.
func (l *blockLog) snapshot() []Update {
	out := make([]Update, 0, len(l.order))
	for _, h := range l.order {
		out = append(out, l.entries[h].clone())
	}
	return out
}
