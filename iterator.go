package loam

import (
	"bytes"
	"sort"
	"time"

	"github.com/loamdb/loam/keys"
	"github.com/loamdb/loam/table"
)

// IteratorOptions controls a transaction iterator.
type IteratorOptions struct {
	// Reverse walks keys in descending order.
	Reverse bool

	// Prefix restricts the iterator to keys with this prefix.
	Prefix []byte
}

// pendingWritesIterator exposes a transaction's own uncommitted writes
// as a sorted source, so they shadow the store during iteration.
type pendingWritesIterator struct {
	entries  []*Entry
	nextIdx  int
	readTs   uint64
	reversed bool
}

func (txn *Txn) newPendingWritesIterator(reversed bool) *pendingWritesIterator {
	if !txn.update || len(txn.pendingWrites) == 0 {
		return nil
	}
	entries := make([]*Entry, 0, len(txn.pendingWrites))
	for _, e := range txn.pendingWrites {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		cmp := bytes.Compare(entries[i].Key, entries[j].Key)
		if reversed {
			return cmp > 0
		}
		return cmp < 0
	})
	return &pendingWritesIterator{entries: entries, readTs: txn.readTs, reversed: reversed}
}

func (pi *pendingWritesIterator) Next()       { pi.nextIdx++ }
func (pi *pendingWritesIterator) Rewind()     { pi.nextIdx = 0 }
func (pi *pendingWritesIterator) Valid() bool { return pi.nextIdx < len(pi.entries) }

func (pi *pendingWritesIterator) Seek(key []byte) {
	userKey := keys.ParseKey(key)
	pi.nextIdx = sort.Search(len(pi.entries), func(idx int) bool {
		cmp := bytes.Compare(pi.entries[idx].Key, userKey)
		if pi.reversed {
			return cmp <= 0
		}
		return cmp >= 0
	})
}

func (pi *pendingWritesIterator) Key() []byte {
	return keys.KeyWithTs(pi.entries[pi.nextIdx].Key, pi.readTs)
}

func (pi *pendingWritesIterator) Value() keys.ValueStruct {
	e := pi.entries[pi.nextIdx]
	return keys.ValueStruct{
		Meta:      e.meta,
		UserMeta:  e.UserMeta,
		ExpiresAt: e.ExpiresAt,
		Value:     e.Value,
		Version:   pi.readTs,
	}
}

func (pi *pendingWritesIterator) Close() error { return nil }

// Iterator walks the keys visible to one transaction, newest visible
// version per key, skipping deletes and expired entries.
type Iterator struct {
	txn  *Txn
	opt  IteratorOptions
	mit  keys.Iterator
	item *Item
	err  error

	lastKey []byte
	release func()
	closed  bool
}

// NewIterator opens an iterator over the transaction's snapshot. The
// iterator pins memtables and tables until Close, so keep its
// lifetime short.
func (txn *Txn) NewIterator(opt IteratorOptions) *Iterator {
	if txn.discarded {
		panic("iterator on discarded transaction")
	}
	if txn.db.isClosed() {
		panic("iterator on closed database")
	}

	var iters []keys.Iterator
	if pi := txn.newPendingWritesIterator(opt.Reverse); pi != nil {
		iters = append(iters, pi)
	}
	tables, release := txn.db.getMemTables()
	for _, mt := range tables {
		iters = append(iters, mt.newIterator(opt.Reverse))
	}
	iters = txn.db.lc.appendIterators(iters, opt.Reverse)

	return &Iterator{
		txn:     txn,
		opt:     opt,
		mit:     table.NewMergeIterator(iters, opt.Reverse),
		release: release,
	}
}

// Close releases the iterator's pins. Safe to call twice.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	_ = it.mit.Close()
	it.release()
}

// Valid reports whether Item would return an entry.
func (it *Iterator) Valid() bool {
	if it.item == nil {
		return false
	}
	if len(it.opt.Prefix) > 0 {
		return bytes.HasPrefix(it.item.key, it.opt.Prefix)
	}
	return true
}

// Err reports a read failure during iteration, which also ends it.
func (it *Iterator) Err() error { return it.err }

// Item is the entry the iterator is at. Only valid until Next.
func (it *Iterator) Item() *Item { return it.item }

// Rewind moves to the first key in iteration order, honoring Prefix.
func (it *Iterator) Rewind() {
	it.lastKey = it.lastKey[:0]
	if len(it.opt.Prefix) > 0 && !it.opt.Reverse {
		it.mit.Seek(keys.KeyWithTs(it.opt.Prefix, keys.MaxTimestamp))
	} else {
		it.mit.Rewind()
	}
	it.parse()
}

// Seek moves to key, or the next key in iteration order.
func (it *Iterator) Seek(key []byte) {
	it.lastKey = it.lastKey[:0]
	if it.opt.Reverse {
		it.mit.Seek(keys.KeyWithTs(key, 0))
	} else {
		it.mit.Seek(keys.KeyWithTs(key, keys.MaxTimestamp))
	}
	it.parse()
}

// Next advances to the next visible key.
func (it *Iterator) Next() {
	it.parse()
}

// parse advances the merged stream to the next entry the snapshot
// should see and materializes it.
func (it *Iterator) parse() {
	it.item = nil
	now := uint64(time.Now().Unix())
	for it.err == nil && it.mit.Valid() {
		if it.parseItem(now) {
			return
		}
	}
}

// parseItem inspects the current merged entry. It returns true when
// an item was produced; false means the caller should keep going.
func (it *Iterator) parseItem(now uint64) bool {
	key := it.mit.Key()
	userKey := keys.ParseKey(key)
	version := keys.ParseTs(key)

	// Future versions are invisible to this snapshot.
	if version > it.txn.readTs {
		it.mit.Next()
		return false
	}

	// Forward order puts the newest visible version first, so any
	// repeat of the last user key is older history.
	if !it.opt.Reverse {
		if bytes.Equal(userKey, it.lastKey) {
			it.mit.Next()
			return false
		}
		it.lastKey = append(it.lastKey[:0], userKey...)
	}

	vs := it.mit.Value()
	if vs.IsDeletedOrExpired(now) {
		it.mit.Next()
		return false
	}

	val, err := it.txn.db.resolveValue(&vs)
	if err != nil {
		it.err = err
		return false
	}
	item := &Item{
		key:       append([]byte(nil), userKey...),
		value:     val,
		version:   version,
		expiresAt: vs.ExpiresAt,
		userMeta:  vs.UserMeta,
	}
	it.mit.Next()

	if it.opt.Reverse && it.mit.Valid() {
		// Reverse order yields versions oldest first; a following
		// entry for the same key within the snapshot supersedes this
		// one.
		nextKey := it.mit.Key()
		if keys.ParseTs(nextKey) <= it.txn.readTs &&
			bytes.Equal(keys.ParseKey(nextKey), item.key) {
			return false
		}
	}
	it.item = item
	return true
}
