// Package skl implements the arena-backed concurrent skiplist used by
// memtables. All nodes, keys and values live in one flat byte slab, so
// a memtable's memory cost is a single allocation and node links are
// 32-bit arena offsets instead of pointers.
package skl

import (
	"sync/atomic"
	"unsafe"

	"github.com/loamdb/loam/keys"
)

const (
	offsetSize = int(unsafe.Sizeof(uint32(0)))

	// Node starts are aligned so the value field can be loaded with
	// 64-bit atomics.
	nodeAlign = int(unsafe.Sizeof(uint64(0))) - 1
)

// Arena is a lock-free bump allocator. Allocation only moves a cursor
// forward; memory is reclaimed by dropping the whole arena.
type Arena struct {
	n   atomic.Uint32
	buf []byte
}

func newArena(n int64) *Arena {
	a := &Arena{buf: make([]byte, n)}
	// Offset 0 is reserved so it can mean nil.
	a.n.Store(1)
	return a
}

func (a *Arena) size() int64 {
	return int64(a.n.Load())
}

// allocate reserves sz bytes and returns the start offset. The caller
// sized the arena for the worst case up front, so running out is a
// programming error, not an IO condition.
func (a *Arena) allocate(sz uint32) uint32 {
	offset := a.n.Add(sz)
	if int(offset) > len(a.buf) {
		panic("skl: arena too small")
	}
	return offset - sz
}

// putNode allocates a node with room for height tower levels and
// returns its aligned offset.
func (a *Arena) putNode(height int) uint32 {
	unusedSize := (maxHeight - height) * offsetSize
	l := uint32(MaxNodeSize - unusedSize + nodeAlign)
	n := a.allocate(l)
	return (n + uint32(nodeAlign)) &^ uint32(nodeAlign)
}

func (a *Arena) putKey(key []byte) uint32 {
	offset := a.allocate(uint32(len(key)))
	copy(a.buf[offset:offset+uint32(len(key))], key)
	return offset
}

func (a *Arena) putVal(v keys.ValueStruct) (offset uint32, size uint32) {
	size = v.EncodedSize()
	offset = a.allocate(size)
	v.Encode(a.buf[offset:])
	return offset, size
}

func (a *Arena) getKey(offset uint32, size uint16) []byte {
	return a.buf[offset : offset+uint32(size)]
}

func (a *Arena) getVal(offset uint32, size uint32) (v keys.ValueStruct) {
	v.Decode(a.buf[offset : offset+size])
	return v
}

func (a *Arena) getNode(offset uint32) *node {
	if offset == 0 {
		return nil
	}
	return (*node)(unsafe.Pointer(&a.buf[offset]))
}

func (a *Arena) getNodeOffset(n *node) uint32 {
	if n == nil {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(n)) - uintptr(unsafe.Pointer(&a.buf[0])))
}
