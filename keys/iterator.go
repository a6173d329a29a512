package keys

// Iterator is the engine-wide iteration contract shared by memtables,
// tables and merged views. Keys are encoded keys; iteration order is
// CompareKeys order, or its reverse for descending iterators.
type Iterator interface {
	// Next advances in the iterator's direction.
	Next()
	// Rewind positions at the first key in the iterator's direction.
	Rewind()
	// Seek positions at the first key at or past the target in the
	// iterator's direction.
	Seek(key []byte)
	// Key returns the current encoded key. Valid only when Valid.
	Key() []byte
	// Value returns the current value.
	Value() ValueStruct
	// Valid reports whether the iterator is positioned on an entry.
	Valid() bool
	Close() error
}
