package compression

import (
	"bytes"
	"testing"
)

func testPayload() []byte {
	// Repetitive enough that every codec actually shrinks it.
	var buf bytes.Buffer
	for i := 0; i < 200; i++ {
		buf.WriteString("the quick brown fox jumps over the lazy dog ")
	}
	return buf.Bytes()
}

func TestRoundTripAllCodecs(t *testing.T) {
	src := testPayload()
	for _, typ := range []Type{None, Snappy, Zstd, LZ4, S2} {
		enc, err := Compress(typ, src)
		if err != nil {
			t.Fatalf("%s: compress: %v", typ, err)
		}
		if typ != None && len(enc) >= len(src) {
			t.Errorf("%s: no reduction on compressible input (%d >= %d)", typ, len(enc), len(src))
		}
		dec, err := Decompress(typ, enc)
		if err != nil {
			t.Fatalf("%s: decompress: %v", typ, err)
		}
		if !bytes.Equal(dec, src) {
			t.Errorf("%s: round trip mismatch", typ)
		}
	}
}

func TestLZ4IncompressibleFallback(t *testing.T) {
	// High-entropy input that LZ4's block API refuses to compress.
	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i * 7)
	}
	enc, err := Compress(LZ4, src)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	dec, err := Decompress(LZ4, enc)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(dec, src) {
		t.Error("raw fallback round trip mismatch")
	}
}

func TestUnknownType(t *testing.T) {
	if _, err := Compress(Type(250), []byte("x")); err == nil {
		t.Error("expected error for unknown codec")
	}
	if _, err := Decompress(Type(250), []byte("x")); err == nil {
		t.Error("expected error for unknown codec")
	}
	if Type(250).Valid() {
		t.Error("Type(250) should not be valid")
	}
}
