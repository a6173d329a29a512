// Package compression provides the block codecs available to table
// builders. The compression type for a table is recorded in the
// manifest, so blocks carry no codec marker of their own.
package compression

import "fmt"

// Type identifies a block codec. The numeric values are persisted in
// manifest change records and must not be reordered.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = iota

	// Snappy is fast with modest ratios.
	Snappy

	// Zstd trades CPU for better ratios, a good fit for cold levels.
	Zstd

	// LZ4 sits between Snappy and Zstd on ratio at comparable speed.
	LZ4

	// S2 is a Snappy-compatible-era codec that is faster than Snappy
	// with slightly better ratios.
	S2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	case S2:
		return "s2"
	default:
		return "unknown"
	}
}

// Valid reports whether t names a known codec.
func (t Type) Valid() bool {
	return t <= S2
}

// Compress encodes src with codec t. None returns src unchanged.
func Compress(t Type, src []byte) ([]byte, error) {
	switch t {
	case None:
		return src, nil
	case Snappy:
		return compressSnappy(src), nil
	case Zstd:
		return compressZstd(src), nil
	case LZ4:
		return compressLZ4(src)
	case S2:
		return compressS2(src), nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}

// Decompress decodes src produced by Compress with the same codec.
func Decompress(t Type, src []byte) ([]byte, error) {
	switch t {
	case None:
		return src, nil
	case Snappy:
		return decompressSnappy(src)
	case Zstd:
		return decompressZstd(src)
	case LZ4:
		return decompressLZ4(src)
	case S2:
		return decompressS2(src)
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}
