package crypt

import (
	"bytes"
	"testing"
)

func TestXORRoundTrip(t *testing.T) {
	c, err := New(7, []byte("0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	iv, err := RandomIV()
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte("the quick brown fox jumps over the lazy dog")

	enc, err := c.XOR(iv, plain)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(enc, plain) {
		t.Fatal("ciphertext equals plaintext")
	}
	dec, err := c.XOR(iv, enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("round trip got %q", dec)
	}
}

func TestXORBadIV(t *testing.T) {
	c, err := New(1, []byte("0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.XOR([]byte("short"), []byte("data")); err == nil {
		t.Fatal("expected error for short IV")
	}
}

func TestNewBadKey(t *testing.T) {
	if _, err := New(1, []byte("tooshort")); err == nil {
		t.Fatal("expected error for 8-byte key")
	}
}

func TestNilCipherKeyID(t *testing.T) {
	var c *Cipher
	if got := c.KeyID(); got != 0 {
		t.Fatalf("nil cipher KeyID = %d, want 0", got)
	}
}

func TestIVForOffset(t *testing.T) {
	base, err := RandomBaseIV()
	if err != nil {
		t.Fatal(err)
	}
	a := IVForOffset(base, 100)
	b := IVForOffset(base, 100)
	if !bytes.Equal(a, b) {
		t.Fatal("same offset must derive the same IV")
	}
	if bytes.Equal(a, IVForOffset(base, 101)) {
		t.Fatal("different offsets must derive different IVs")
	}
	if len(a) != IVSize {
		t.Fatalf("derived IV is %d bytes", len(a))
	}
	if !bytes.Equal(a[:BaseIVSize], base) {
		t.Fatal("derived IV must start with the base IV")
	}
}
