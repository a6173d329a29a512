package loam

import (
	"context"
	"sort"
	"time"

	"github.com/loamdb/loam/keys"
	"github.com/loamdb/loam/table"
)

// Entry is one pending write inside a transaction.
type Entry struct {
	Key       []byte
	Value     []byte
	ExpiresAt uint64
	UserMeta  byte
	meta      byte
}

// NewEntry builds an entry for SetEntry.
func NewEntry(key, value []byte) *Entry {
	return &Entry{Key: key, Value: value}
}

// WithTTL expires the entry after dur.
func (e *Entry) WithTTL(dur time.Duration) *Entry {
	e.ExpiresAt = uint64(time.Now().Add(dur).Unix())
	return e
}

// WithMeta attaches a user metadata byte stored with the value.
func (e *Entry) WithMeta(meta byte) *Entry {
	e.UserMeta = meta
	return e
}

// WithDiscard lets compaction drop all older versions of the key.
func (e *Entry) WithDiscard() *Entry {
	e.meta = keys.BitDiscardEarlierVersions
	return e
}

// estimateSize approximates the entry's memtable footprint for batch
// accounting.
func (e *Entry) estimateSize(threshold int64) int64 {
	if int64(len(e.Value)) < threshold {
		return int64(len(e.Key) + len(e.Value) + 2)
	}
	return int64(len(e.Key) + keys.ValuePointerSize + 2)
}

// Item is a single result read through a transaction.
type Item struct {
	key       []byte
	value     []byte
	version   uint64
	expiresAt uint64
	userMeta  byte
}

// Key returns the user key. The slice is owned by the item.
func (it *Item) Key() []byte { return it.key }

// Value returns the value bytes.
func (it *Item) Value() []byte { return it.value }

// Version is the commit timestamp that wrote this value.
func (it *Item) Version() uint64 { return it.version }

// UserMeta returns the metadata byte stored with the entry.
func (it *Item) UserMeta() byte { return it.userMeta }

// ExpiresAt is the unix expiry, zero when the entry has no TTL.
func (it *Item) ExpiresAt() uint64 { return it.expiresAt }

// Txn is a serializable-snapshot transaction. Read-only transactions
// see a frozen snapshot; update transactions additionally buffer
// writes and conflict-check on commit. Not safe for concurrent use.
type Txn struct {
	db *DB

	readTs   uint64
	commitTs uint64

	update    bool
	discarded bool
	readDone  bool

	reads         []uint64
	conflictKeys  map[uint64]struct{}
	pendingWrites map[string]*Entry

	count int64
	size  int64
}

// NewTransaction starts a transaction. update=false gives a read-only
// snapshot.
func (db *DB) NewTransaction(ctx context.Context, update bool) (*Txn, error) {
	if db.isClosed() {
		return nil, ErrDBClosed
	}
	readTs, err := db.orc.readTs(ctx)
	if err != nil {
		return nil, err
	}
	txn := &Txn{
		db:     db,
		readTs: readTs,
		update: update,
		count:  1,
	}
	if update {
		txn.pendingWrites = make(map[string]*Entry)
		if db.opt.DetectConflicts {
			txn.conflictKeys = make(map[uint64]struct{})
		}
	}
	return txn, nil
}

// ReadTs exposes the snapshot timestamp.
func (txn *Txn) ReadTs() uint64 { return txn.readTs }

// Get reads the newest version of key visible at the snapshot.
func (txn *Txn) Get(key []byte) (*Item, error) {
	if txn.discarded {
		return nil, ErrDiscardedTxn
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	if txn.update {
		if e, ok := txn.pendingWrites[string(key)]; ok {
			if e.meta&keys.BitDelete != 0 {
				return nil, ErrKeyNotFound
			}
			return &Item{
				key:       append([]byte(nil), key...),
				value:     e.Value,
				version:   txn.readTs,
				expiresAt: e.ExpiresAt,
				userMeta:  e.UserMeta,
			}, nil
		}
		txn.addReadKey(key)
	}

	seek := keys.KeyWithTs(key, txn.readTs)
	vs, err := txn.db.get(seek)
	if err != nil {
		return nil, err
	}
	if vs.Value == nil && vs.Meta == 0 {
		return nil, ErrKeyNotFound
	}
	if vs.IsDeletedOrExpired(uint64(time.Now().Unix())) {
		return nil, ErrKeyNotFound
	}
	val, err := txn.db.resolveValue(&vs)
	if err != nil {
		return nil, err
	}
	return &Item{
		key:       append([]byte(nil), key...),
		value:     val,
		version:   vs.Version,
		expiresAt: vs.ExpiresAt,
		userMeta:  vs.UserMeta,
	}, nil
}

func (txn *Txn) addReadKey(key []byte) {
	if txn.conflictKeys == nil {
		return
	}
	txn.reads = append(txn.reads, table.KeyHash(key))
}

func (txn *Txn) modify(e *Entry) error {
	switch {
	case txn.discarded:
		return ErrDiscardedTxn
	case !txn.update:
		return ErrReadOnlyTxn
	case len(e.Key) == 0:
		return ErrEmptyKey
	case !keys.IsValidUserKey(e.Key):
		return ErrInvalidKey
	case !keys.IsValidValue(e.Value):
		return ErrInvalidValue
	}

	count := txn.count + 1
	size := txn.size + e.estimateSize(txn.db.opt.ValueThreshold) + 10
	if count >= txn.db.opt.maxBatchCount || size >= txn.db.opt.maxBatchSize {
		return ErrTxnTooBig
	}
	txn.count, txn.size = count, size

	if txn.conflictKeys != nil {
		txn.conflictKeys[table.KeyHash(e.Key)] = struct{}{}
	}
	txn.pendingWrites[string(e.Key)] = e
	return nil
}

// Set stores key -> value.
func (txn *Txn) Set(key, value []byte) error {
	return txn.SetEntry(NewEntry(key, value))
}

// SetEntry stores an entry with its metadata.
func (txn *Txn) SetEntry(e *Entry) error {
	return txn.modify(e)
}

// Delete writes a tombstone for key.
func (txn *Txn) Delete(key []byte) error {
	return txn.modify(&Entry{Key: key, meta: keys.BitDelete})
}

// Discard ends the transaction, releasing its snapshot. Safe to call
// after Commit.
func (txn *Txn) Discard() {
	if txn.discarded {
		return
	}
	txn.discarded = true
	if !txn.readDone {
		txn.readDone = true
		txn.db.orc.doneRead(txn.readTs)
	}
}

// Commit applies all pending writes atomically at a fresh commit
// timestamp. Returns ErrConflict if a concurrent transaction wrote a
// key this one read.
func (txn *Txn) Commit(ctx context.Context) error {
	if txn.discarded {
		return ErrDiscardedTxn
	}
	defer txn.Discard()
	if len(txn.pendingWrites) == 0 {
		return nil
	}

	orc := txn.db.orc
	commitTs, conflict := orc.newCommitTs(txn)
	if conflict {
		return ErrConflict
	}
	txn.commitTs = commitTs

	entries := make([]*Entry, 0, len(txn.pendingWrites))
	for _, e := range txn.pendingWrites {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].Key) < string(entries[j].Key)
	})

	err := txn.db.writeEntries(entries, commitTs)
	orc.doneCommit(commitTs)
	return err
}

// View runs fn with a read-only transaction.
func (db *DB) View(ctx context.Context, fn func(txn *Txn) error) error {
	txn, err := db.NewTransaction(ctx, false)
	if err != nil {
		return err
	}
	defer txn.Discard()
	return fn(txn)
}

// Update runs fn with an update transaction and commits it when fn
// returns nil.
func (db *DB) Update(ctx context.Context, fn func(txn *Txn) error) error {
	txn, err := db.NewTransaction(ctx, true)
	if err != nil {
		return err
	}
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit(ctx)
}
