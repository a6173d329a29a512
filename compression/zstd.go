package compression

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder and decoder. Both are safe for concurrent use via
// EncodeAll and DecodeAll.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1))
		zstdDec, _ = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0))
	})
}

func compressZstd(src []byte) []byte {
	zstdInit()
	return zstdEnc.EncodeAll(src, nil)
}

func decompressZstd(src []byte) ([]byte, error) {
	zstdInit()
	return zstdDec.DecodeAll(src, nil)
}
