package skl

import "github.com/loamdb/loam/keys"

// Iterator walks a skiplist in encoded-key order. Not safe for
// concurrent use; create one per goroutine.
type Iterator struct {
	list *Skiplist
	n    *node
}

// NewIterator returns an iterator holding a reference on the list.
func (s *Skiplist) NewIterator() *Iterator {
	s.IncrRef()
	return &Iterator{list: s}
}

// Close releases the iterator's reference.
func (it *Iterator) Close() {
	it.list.DecrRef()
}

// Valid reports whether the iterator is positioned on a node.
func (it *Iterator) Valid() bool { return it.n != nil }

// Key returns the encoded key at the current position.
func (it *Iterator) Key() []byte {
	return it.n.key(it.list.arena)
}

// Value returns the value at the current position.
func (it *Iterator) Value() keys.ValueStruct {
	return it.n.getValue(it.list.arena)
}

// Next moves to the following node.
func (it *Iterator) Next() {
	it.n = it.n.getNext(it.list.arena, 0)
}

// Prev moves to the preceding node.
func (it *Iterator) Prev() {
	it.n, _ = it.list.findNear(it.Key(), true, false)
}

// Seek positions at the first node with key >= target.
func (it *Iterator) Seek(target []byte) {
	it.n, _ = it.list.findNear(target, false, true)
}

// SeekForPrev positions at the last node with key <= target.
func (it *Iterator) SeekForPrev(target []byte) {
	it.n, _ = it.list.findNear(target, true, true)
}

// SeekToFirst positions at the smallest key.
func (it *Iterator) SeekToFirst() {
	it.n = it.list.headNode().getNext(it.list.arena, 0)
}

// SeekToLast positions at the largest key.
func (it *Iterator) SeekToLast() {
	it.n = it.list.findLast()
}
