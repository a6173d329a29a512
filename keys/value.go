package keys

import "encoding/binary"

// Meta bits stored with every entry.
const (
	// BitDelete marks a tombstone.
	BitDelete byte = 1 << 0
	// BitValuePointer means the value field holds an encoded
	// ValuePointer into the value log instead of the value itself.
	BitValuePointer byte = 1 << 1
	// BitDiscardEarlierVersions tells compaction it may drop all older
	// versions of this key regardless of the discard timestamp.
	BitDiscardEarlierVersions byte = 1 << 2
)

// ValueStruct is the value side of an entry as stored in memtables and
// SSTable blocks.
type ValueStruct struct {
	Meta      byte
	UserMeta  byte
	ExpiresAt uint64
	Value     []byte

	// Version is the timestamp parsed off the key. It is never
	// serialized, only carried for in-memory consumers.
	Version uint64
}

// EncodedSize returns the number of bytes Encode will write.
func (v *ValueStruct) EncodedSize() uint32 {
	return uint32(2 + sizeUvarint(v.ExpiresAt) + len(v.Value))
}

// Encode writes v into b, which must be at least EncodedSize bytes.
// Returns the number of bytes written.
func (v *ValueStruct) Encode(b []byte) uint32 {
	b[0] = v.Meta
	b[1] = v.UserMeta
	n := binary.PutUvarint(b[2:], v.ExpiresAt)
	m := copy(b[2+n:], v.Value)
	return uint32(2 + n + m)
}

// Decode parses v from b. Value aliases b.
func (v *ValueStruct) Decode(b []byte) {
	v.Meta = b[0]
	v.UserMeta = b[1]
	exp, n := binary.Uvarint(b[2:])
	v.ExpiresAt = exp
	v.Value = b[2+n:]
}

// IsDeletedOrExpired reports whether the entry should read as absent at
// the given wall-clock time (unix seconds).
func (v *ValueStruct) IsDeletedOrExpired(now uint64) bool {
	if v.Meta&BitDelete != 0 {
		return true
	}
	return v.ExpiresAt != 0 && v.ExpiresAt <= now
}

func sizeUvarint(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// ValuePointerSize is the fixed encoded size of a ValuePointer.
const ValuePointerSize = 12

// ValuePointer locates a full entry inside a value log segment.
type ValuePointer struct {
	Fid    uint32
	Len    uint32
	Offset uint32
}

// IsZero reports whether p is the zero pointer.
func (p ValuePointer) IsZero() bool {
	return p.Fid == 0 && p.Len == 0 && p.Offset == 0
}

// Encode returns the 12-byte little-endian form of p.
func (p ValuePointer) Encode() []byte {
	b := make([]byte, ValuePointerSize)
	binary.LittleEndian.PutUint32(b[0:4], p.Fid)
	binary.LittleEndian.PutUint32(b[4:8], p.Len)
	binary.LittleEndian.PutUint32(b[8:12], p.Offset)
	return b
}

// Decode parses p from b.
func (p *ValuePointer) Decode(b []byte) {
	p.Fid = binary.LittleEndian.Uint32(b[0:4])
	p.Len = binary.LittleEndian.Uint32(b[4:8])
	p.Offset = binary.LittleEndian.Uint32(b[8:12])
}
