package compression

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// LZ4 block framing: flag byte (0 raw, 1 compressed), then for
// compressed data a uvarint of the original length followed by the
// LZ4 block. Raw fallback covers incompressible input, which the
// block API signals with a zero-length result.
func compressLZ4(src []byte) ([]byte, error) {
	var c lz4.Compressor
	buf := make([]byte, 1+binary.MaxVarintLen64+lz4.CompressBlockBound(len(src)))
	buf[0] = 1
	n := binary.PutUvarint(buf[1:], uint64(len(src)))
	m, err := c.CompressBlock(src, buf[1+n:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if m == 0 {
		out := make([]byte, 1+len(src))
		copy(out[1:], src)
		return out, nil
	}
	return buf[:1+n+m], nil
}

func decompressLZ4(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("lz4 decompress: empty input")
	}
	if src[0] == 0 {
		return src[1:], nil
	}
	size, n := binary.Uvarint(src[1:])
	if n <= 0 {
		return nil, fmt.Errorf("lz4 decompress: bad length prefix")
	}
	dst := make([]byte, size)
	if _, err := lz4.UncompressBlock(src[1+n:], dst); err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return dst, nil
}
