package skl

import (
	"math"
	"math/rand"
	"sync/atomic"
	"unsafe"

	"github.com/loamdb/loam/keys"
)

const (
	maxHeight = 20

	// Probability of promoting a node one level, as a fraction of
	// 2^32. Equivalent to p = 1/e^2, which keeps towers short.
	heightIncrease = math.MaxUint32 / 3
)

// MaxNodeSize is the worst-case arena footprint of a single node. Used
// by callers to size arenas so a full batch can never overflow one.
const MaxNodeSize = int(unsafe.Sizeof(node{}))

type node struct {
	// value packs the arena offset and encoded size of the current
	// value, so readers can swap-read it with one atomic load.
	value atomic.Uint64

	keyOffset uint32
	keySize   uint16

	// Height of this node's tower.
	height uint16

	// tower[i] is the arena offset of the next node at level i.
	tower [maxHeight]atomic.Uint32
}

// Skiplist is a concurrent write-once-per-key-version map ordered by
// keys.CompareKeys. Multiple goroutines may Put and read concurrently.
type Skiplist struct {
	height  atomic.Int32
	head    uint32
	ref     atomic.Int32
	arena   *Arena
	onClose func()
}

// New creates a skiplist backed by an arena of arenaSize bytes.
func New(arenaSize int64) *Skiplist {
	arena := newArena(arenaSize)
	headOffset := arena.putNode(maxHeight)
	head := arena.getNode(headOffset)
	head.height = maxHeight
	s := &Skiplist{head: headOffset, arena: arena}
	s.height.Store(1)
	s.ref.Store(1)
	return s
}

// IncrRef takes a reference for an iterator or reader that needs the
// arena to outlive the owning memtable.
func (s *Skiplist) IncrRef() {
	s.ref.Add(1)
}

// DecrRef drops a reference. The last drop releases the arena and runs
// the close callback if one was set.
func (s *Skiplist) DecrRef() {
	if s.ref.Add(-1) > 0 {
		return
	}
	if s.onClose != nil {
		s.onClose()
	}
	s.arena = nil
}

// OnClose registers f to run when the final reference is dropped.
func (s *Skiplist) OnClose(f func()) {
	s.onClose = f
}

// MemSize is the number of arena bytes consumed so far.
func (s *Skiplist) MemSize() int64 {
	return s.arena.size()
}

// Empty reports whether no keys have been inserted.
func (s *Skiplist) Empty() bool {
	return s.findLast() == nil
}

func (s *Skiplist) headNode() *node {
	return s.arena.getNode(s.head)
}

func newNode(arena *Arena, key []byte, v keys.ValueStruct, height int) *node {
	nodeOffset := arena.putNode(height)
	keyOffset := arena.putKey(key)
	valOffset, valSize := arena.putVal(v)
	n := arena.getNode(nodeOffset)
	n.keyOffset = keyOffset
	n.keySize = uint16(len(key))
	n.height = uint16(height)
	n.value.Store(encodeValue(valOffset, valSize))
	return n
}

func encodeValue(valOffset, valSize uint32) uint64 {
	return uint64(valSize)<<32 | uint64(valOffset)
}

func decodeValue(value uint64) (valOffset, valSize uint32) {
	return uint32(value), uint32(value >> 32)
}

func (n *node) key(arena *Arena) []byte {
	return arena.getKey(n.keyOffset, n.keySize)
}

func (n *node) getValue(arena *Arena) keys.ValueStruct {
	valOffset, valSize := decodeValue(n.value.Load())
	return arena.getVal(valOffset, valSize)
}

func (n *node) setValue(arena *Arena, v keys.ValueStruct) {
	valOffset, valSize := arena.putVal(v)
	n.value.Store(encodeValue(valOffset, valSize))
}

func (n *node) getNext(arena *Arena, h int) *node {
	return arena.getNode(n.tower[h].Load())
}

func randomHeight() int {
	h := 1
	for h < maxHeight && rand.Uint32() <= heightIncrease {
		h++
	}
	return h
}

// findNear returns the node nearest to key. With less=true it looks
// before key, otherwise at or after it; allowEqual permits an exact
// match in either direction. The bool reports an exact match.
func (s *Skiplist) findNear(key []byte, less bool, allowEqual bool) (*node, bool) {
	x := s.headNode()
	level := int(s.height.Load() - 1)
	for {
		next := x.getNext(s.arena, level)
		if next == nil {
			if level > 0 {
				level--
				continue
			}
			if !less || x == s.headNode() {
				return nil, false
			}
			return x, false
		}

		cmp := keys.CompareKeys(key, next.key(s.arena))
		if cmp > 0 {
			x = next
			continue
		}
		if cmp == 0 {
			if allowEqual {
				return next, true
			}
			if !less {
				return next.getNext(s.arena, 0), false
			}
			if level > 0 {
				level--
				continue
			}
			if x == s.headNode() {
				return nil, false
			}
			return x, false
		}
		// key < next.
		if level > 0 {
			level--
			continue
		}
		if !less {
			return next, false
		}
		if x == s.headNode() {
			return nil, false
		}
		return x, false
	}
}

// findSpliceForLevel returns (before, after) such that
// before.key < key <= after.key at the given level. If key is already
// present, before == after == the matching node.
func (s *Skiplist) findSpliceForLevel(key []byte, before uint32, level int) (uint32, uint32) {
	for {
		beforeNode := s.arena.getNode(before)
		nextOffset := beforeNode.tower[level].Load()
		nextNode := s.arena.getNode(nextOffset)
		if nextNode == nil {
			return before, nextOffset
		}
		cmp := keys.CompareKeys(key, nextNode.key(s.arena))
		if cmp == 0 {
			return nextOffset, nextOffset
		}
		if cmp < 0 {
			return before, nextOffset
		}
		before = nextOffset
	}
}

func (s *Skiplist) findLast() *node {
	n := s.headNode()
	level := int(s.height.Load()) - 1
	for {
		next := n.getNext(s.arena, level)
		if next != nil {
			n = next
			continue
		}
		if level == 0 {
			if n == s.headNode() {
				return nil
			}
			return n
		}
		level--
	}
}

// Put inserts key with value v. Re-putting an identical versioned key
// only swings the node's value.
func (s *Skiplist) Put(key []byte, v keys.ValueStruct) {
	listHeight := int(s.height.Load())
	var prev [maxHeight + 1]uint32
	var next [maxHeight + 1]uint32
	prev[listHeight] = s.head
	for i := listHeight - 1; i >= 0; i-- {
		prev[i], next[i] = s.findSpliceForLevel(key, prev[i+1], i)
		if prev[i] == next[i] {
			s.arena.getNode(prev[i]).setValue(s.arena, v)
			return
		}
	}

	height := randomHeight()
	x := newNode(s.arena, key, v, height)

	for {
		h := int(s.height.Load())
		if height <= h || s.height.CompareAndSwap(int32(h), int32(height)) {
			break
		}
	}

	for i := 0; i < height; i++ {
		for {
			if s.arena.getNode(prev[i]) == nil {
				// Height grew past the computed splice. Recompute
				// from the head for this level.
				prev[i], next[i] = s.findSpliceForLevel(key, s.head, i)
			}
			x.tower[i].Store(next[i])
			pnode := s.arena.getNode(prev[i])
			if pnode.tower[i].CompareAndSwap(next[i], s.arena.getNodeOffset(x)) {
				break
			}
			// Lost the race at this level, recompute the splice.
			prev[i], next[i] = s.findSpliceForLevel(key, prev[i], i)
			if prev[i] == next[i] {
				s.arena.getNode(prev[i]).setValue(s.arena, v)
				return
			}
		}
	}
}

// Get returns the value for the newest version of key at or below the
// timestamp encoded in it. The returned Version is the stored entry's
// timestamp; Value is zero when no version qualifies.
func (s *Skiplist) Get(key []byte) keys.ValueStruct {
	n, _ := s.findNear(key, false, true)
	if n == nil {
		return keys.ValueStruct{}
	}
	foundKey := n.key(s.arena)
	if !keys.SameKey(key, foundKey) {
		return keys.ValueStruct{}
	}
	v := n.getValue(s.arena)
	v.Version = keys.ParseTs(foundKey)
	return v
}
