package table

import (
	"sort"

	"github.com/loamdb/loam/keys"
)

// blockIterator walks the entries of one decoded block.
type blockIterator struct {
	blk *Block
	idx int
	key []byte
	val keys.ValueStruct
	ok  bool
}

func (bi *blockIterator) setBlock(blk *Block) {
	bi.blk = blk
	bi.idx = -1
	bi.ok = false
}

func (bi *blockIterator) entryEnd(i int) int {
	if i+1 < len(bi.blk.entryOffsets) {
		return int(bi.blk.entryOffsets[i+1])
	}
	return len(bi.blk.data)
}

func (bi *blockIterator) setIdx(i int) {
	if i < 0 || i >= len(bi.blk.entryOffsets) {
		bi.ok = false
		return
	}
	bi.idx = i
	start := int(bi.blk.entryOffsets[i])
	h := decodeEntryHeader(bi.blk.data[start:])
	keyStart := start + entryHeaderSize
	diff := bi.blk.data[keyStart : keyStart+int(h.diff)]
	bi.key = append(bi.key[:0], bi.blk.baseKey[:h.overlap]...)
	bi.key = append(bi.key, diff...)
	bi.val.Decode(bi.blk.data[keyStart+int(h.diff) : bi.entryEnd(i)])
	bi.ok = true
}

func (bi *blockIterator) keyAt(i int) []byte {
	start := int(bi.blk.entryOffsets[i])
	h := decodeEntryHeader(bi.blk.data[start:])
	keyStart := start + entryHeaderSize
	diff := bi.blk.data[keyStart : keyStart+int(h.diff)]
	k := make([]byte, int(h.overlap)+len(diff))
	copy(k, bi.blk.baseKey[:h.overlap])
	copy(k[h.overlap:], diff)
	return k
}

// seek positions at the first entry >= target.
func (bi *blockIterator) seek(target []byte) {
	n := len(bi.blk.entryOffsets)
	i := sort.Search(n, func(i int) bool {
		return keys.CompareKeys(bi.keyAt(i), target) >= 0
	})
	bi.setIdx(i)
}

// seekForPrev positions at the last entry <= target.
func (bi *blockIterator) seekForPrev(target []byte) {
	n := len(bi.blk.entryOffsets)
	i := sort.Search(n, func(i int) bool {
		return keys.CompareKeys(bi.keyAt(i), target) > 0
	})
	bi.setIdx(i - 1)
}

func (bi *blockIterator) seekToFirst() { bi.setIdx(0) }
func (bi *blockIterator) seekToLast()  { bi.setIdx(len(bi.blk.entryOffsets) - 1) }
func (bi *blockIterator) next()        { bi.setIdx(bi.idx + 1) }
func (bi *blockIterator) prev()        { bi.setIdx(bi.idx - 1) }

// Iterator walks one table. With reversed=true every operation works
// in descending key order and Seek behaves as seek-for-previous.
type Iterator struct {
	t        *Table
	bpos     int
	bi       blockIterator
	reversed bool
	err      error
}

// NewIterator opens an iterator over t, holding a table reference
// until Close.
func (t *Table) NewIterator(reversed bool) *Iterator {
	t.IncrRef()
	return &Iterator{t: t, bpos: -1, reversed: reversed}
}

func (it *Iterator) Close() error {
	return it.t.DecrRef()
}

// Err reports a decode failure; the iterator goes invalid on error.
func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Valid() bool { return it.err == nil && it.bi.ok }

func (it *Iterator) Key() []byte { return it.bi.key }

func (it *Iterator) Value() keys.ValueStruct {
	v := it.bi.val
	v.Version = keys.ParseTs(it.bi.key)
	return v
}

func (it *Iterator) loadBlock(bpos int) bool {
	if bpos < 0 || bpos >= len(it.t.index.blocks) {
		it.bi.ok = false
		return false
	}
	blk, err := it.t.block(bpos)
	if err != nil {
		it.err = err
		it.bi.ok = false
		return false
	}
	it.bpos = bpos
	it.bi.setBlock(blk)
	return true
}

func (it *Iterator) seekToFirst() {
	if it.loadBlock(0) {
		it.bi.seekToFirst()
	}
}

func (it *Iterator) seekToLast() {
	if it.loadBlock(len(it.t.index.blocks) - 1) {
		it.bi.seekToLast()
	}
}

// seek finds the first entry >= target across blocks.
func (it *Iterator) seek(target []byte) {
	n := len(it.t.index.blocks)
	// First block whose base key is strictly past target; the entry
	// can only live in the block before it.
	idx := sort.Search(n, func(i int) bool {
		return keys.CompareKeys(it.t.index.blocks[i].baseKey, target) > 0
	})
	start := idx - 1
	if start < 0 {
		start = 0
	}
	if !it.loadBlock(start) {
		return
	}
	it.bi.seek(target)
	if !it.bi.ok {
		// Past the end of this block, the next block starts >= target.
		if it.loadBlock(start + 1) {
			it.bi.seekToFirst()
		}
	}
}

func (it *Iterator) seekForPrev(target []byte) {
	it.seek(target)
	if !it.Valid() {
		it.seekToLast()
		if it.Valid() && keys.CompareKeys(it.Key(), target) > 0 {
			it.bi.ok = false
		}
		return
	}
	if keys.CompareKeys(it.Key(), target) != 0 {
		it.prev()
	}
}

func (it *Iterator) next() {
	if it.bpos < 0 {
		it.seekToFirst()
		return
	}
	it.bi.next()
	if !it.bi.ok {
		if it.loadBlock(it.bpos + 1) {
			it.bi.seekToFirst()
		}
	}
}

func (it *Iterator) prev() {
	if it.bpos < 0 {
		it.seekToLast()
		return
	}
	it.bi.prev()
	if !it.bi.ok {
		if it.loadBlock(it.bpos - 1) {
			it.bi.seekToLast()
		}
	}
}

func (it *Iterator) Next() {
	if it.reversed {
		it.prev()
	} else {
		it.next()
	}
}

func (it *Iterator) Rewind() {
	if it.reversed {
		it.seekToLast()
	} else {
		it.seekToFirst()
	}
}

func (it *Iterator) Seek(key []byte) {
	if it.reversed {
		it.seekForPrev(key)
	} else {
		it.seek(key)
	}
}

// ConcatIterator iterates a run of key-disjoint, sorted tables as one
// sequence, opening per-table iterators lazily.
type ConcatIterator struct {
	tables   []*Table
	iters    []*Iterator
	cur      *Iterator
	idx      int
	reversed bool
}

// NewConcatIterator takes references on all tables until Close.
func NewConcatIterator(tables []*Table, reversed bool) *ConcatIterator {
	for _, t := range tables {
		t.IncrRef()
	}
	return &ConcatIterator{
		tables:   tables,
		iters:    make([]*Iterator, len(tables)),
		idx:      -1,
		reversed: reversed,
	}
}

func (ci *ConcatIterator) setIdx(i int) {
	if i < 0 || i >= len(ci.tables) {
		ci.idx = -1
		ci.cur = nil
		return
	}
	ci.idx = i
	if ci.iters[i] == nil {
		ci.iters[i] = ci.tables[i].NewIterator(ci.reversed)
	}
	ci.cur = ci.iters[i]
}

func (ci *ConcatIterator) Rewind() {
	if len(ci.tables) == 0 {
		return
	}
	if ci.reversed {
		ci.setIdx(len(ci.tables) - 1)
	} else {
		ci.setIdx(0)
	}
	if ci.cur != nil {
		ci.cur.Rewind()
	}
}

func (ci *ConcatIterator) Valid() bool { return ci.cur != nil && ci.cur.Valid() }

func (ci *ConcatIterator) Key() []byte { return ci.cur.Key() }

func (ci *ConcatIterator) Value() keys.ValueStruct { return ci.cur.Value() }

func (ci *ConcatIterator) Seek(key []byte) {
	n := len(ci.tables)
	var i int
	if !ci.reversed {
		// First table whose biggest key reaches the target.
		i = sort.Search(n, func(i int) bool {
			return keys.CompareKeys(ci.tables[i].Biggest(), key) >= 0
		})
		if i == n {
			ci.setIdx(-1)
			return
		}
	} else {
		// Last table whose smallest key is at or before the target.
		i = n - 1 - sort.Search(n, func(j int) bool {
			return keys.CompareKeys(ci.tables[n-1-j].Smallest(), key) <= 0
		})
		if i < 0 {
			ci.setIdx(-1)
			return
		}
	}
	ci.setIdx(i)
	ci.cur.Seek(key)
	// The target may fall in a gap between tables.
	for !ci.cur.Valid() {
		if ci.reversed {
			ci.setIdx(ci.idx - 1)
		} else {
			ci.setIdx(ci.idx + 1)
		}
		if ci.cur == nil {
			return
		}
		ci.cur.Rewind()
	}
}

func (ci *ConcatIterator) Next() {
	ci.cur.Next()
	for !ci.cur.Valid() {
		if ci.reversed {
			ci.setIdx(ci.idx - 1)
		} else {
			ci.setIdx(ci.idx + 1)
		}
		if ci.cur == nil {
			return
		}
		ci.cur.Rewind()
	}
}

func (ci *ConcatIterator) Close() error {
	var firstErr error
	for _, it := range ci.iters {
		if it == nil {
			continue
		}
		if err := it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, t := range ci.tables {
		if err := t.DecrRef(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MergeIterator merges several sorted iterators. When the same encoded
// key appears in more than one source, the earliest source wins and
// the rest are advanced past it, so callers should order sources
// newest first.
type MergeIterator struct {
	iters    []keys.Iterator
	reversed bool
	winner   int
}

// NewMergeIterator drops nil and single-source trivia before merging.
func NewMergeIterator(iters []keys.Iterator, reversed bool) keys.Iterator {
	live := iters[:0]
	for _, it := range iters {
		if it != nil {
			live = append(live, it)
		}
	}
	switch len(live) {
	case 0:
		return &emptyIterator{}
	case 1:
		return live[0]
	}
	return &MergeIterator{iters: live, reversed: reversed, winner: -1}
}

func (m *MergeIterator) less(a, b []byte) bool {
	c := keys.CompareKeys(a, b)
	if m.reversed {
		return c > 0
	}
	return c < 0
}

// fix elects the next winner and skips exact duplicates in the losers.
func (m *MergeIterator) fix() {
	m.winner = -1
	for i, it := range m.iters {
		if !it.Valid() {
			continue
		}
		if m.winner < 0 {
			m.winner = i
			continue
		}
		w := m.iters[m.winner]
		if m.less(it.Key(), w.Key()) {
			m.winner = i
		} else if keys.CompareKeys(it.Key(), w.Key()) == 0 {
			// Duplicate of an earlier (newer) source, drop it.
			it.Next()
		}
	}
}

func (m *MergeIterator) Valid() bool { return m.winner >= 0 && m.iters[m.winner].Valid() }

func (m *MergeIterator) Key() []byte { return m.iters[m.winner].Key() }

func (m *MergeIterator) Value() keys.ValueStruct { return m.iters[m.winner].Value() }

func (m *MergeIterator) Next() {
	m.iters[m.winner].Next()
	m.fix()
}

func (m *MergeIterator) Rewind() {
	for _, it := range m.iters {
		it.Rewind()
	}
	m.fix()
}

func (m *MergeIterator) Seek(key []byte) {
	for _, it := range m.iters {
		it.Seek(key)
	}
	m.fix()
}

func (m *MergeIterator) Close() error {
	var firstErr error
	for _, it := range m.iters {
		if err := it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type emptyIterator struct{}

func (emptyIterator) Next()                       {}
func (emptyIterator) Rewind()                     {}
func (emptyIterator) Seek([]byte)                 {}
func (emptyIterator) Key() []byte                 { return nil }
func (emptyIterator) Value() (v keys.ValueStruct) { return v }
func (emptyIterator) Valid() bool                 { return false }
func (emptyIterator) Close() error                { return nil }
