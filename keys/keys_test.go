package keys

import (
	"bytes"
	"testing"
)

func TestKeyWithTsRoundTrip(t *testing.T) {
	k := KeyWithTs([]byte("alpha"), 42)
	if got := string(ParseKey(k)); got != "alpha" {
		t.Errorf("ParseKey = %q, want alpha", got)
	}
	if got := ParseTs(k); got != 42 {
		t.Errorf("ParseTs = %d, want 42", got)
	}
}

func TestCompareKeysOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b []byte
		want int
	}{
		{"user key ascending", KeyWithTs([]byte("a"), 5), KeyWithTs([]byte("b"), 5), -1},
		{"same key newer first", KeyWithTs([]byte("a"), 10), KeyWithTs([]byte("a"), 5), -1},
		{"same key older last", KeyWithTs([]byte("a"), 1), KeyWithTs([]byte("a"), 9), 1},
		{"equal", KeyWithTs([]byte("a"), 7), KeyWithTs([]byte("a"), 7), 0},
		{"prefix sorts first", KeyWithTs([]byte("a"), 1), KeyWithTs([]byte("ab"), 100), -1},
	}
	for _, tt := range tests {
		got := CompareKeys(tt.a, tt.b)
		if got < 0 {
			got = -1
		} else if got > 0 {
			got = 1
		}
		if got != tt.want {
			t.Errorf("%s: CompareKeys = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestMaxTimestampSortsFirst(t *testing.T) {
	query := KeyWithTs([]byte("k"), MaxTimestamp)
	stored := KeyWithTs([]byte("k"), 123456)
	if CompareKeys(query, stored) >= 0 {
		t.Error("key at MaxTimestamp must sort before any stored version")
	}
}

func TestSameKey(t *testing.T) {
	if !SameKey(KeyWithTs([]byte("x"), 1), KeyWithTs([]byte("x"), 2)) {
		t.Error("same user key with different timestamps should match")
	}
	if SameKey(KeyWithTs([]byte("x"), 1), KeyWithTs([]byte("y"), 1)) {
		t.Error("different user keys should not match")
	}
}

func TestValueStructRoundTrip(t *testing.T) {
	v := ValueStruct{
		Meta:      BitValuePointer,
		UserMeta:  7,
		ExpiresAt: 1234567890,
		Value:     []byte("payload"),
	}
	buf := make([]byte, v.EncodedSize())
	n := v.Encode(buf)
	if n != v.EncodedSize() {
		t.Fatalf("Encode wrote %d bytes, EncodedSize says %d", n, v.EncodedSize())
	}

	var got ValueStruct
	got.Decode(buf)
	if got.Meta != v.Meta || got.UserMeta != v.UserMeta || got.ExpiresAt != v.ExpiresAt {
		t.Errorf("decoded header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Value, v.Value) {
		t.Errorf("decoded value = %q", got.Value)
	}
}

func TestIsDeletedOrExpired(t *testing.T) {
	del := ValueStruct{Meta: BitDelete}
	if !del.IsDeletedOrExpired(0) {
		t.Error("tombstone must read as deleted")
	}
	ttl := ValueStruct{ExpiresAt: 100}
	if ttl.IsDeletedOrExpired(99) {
		t.Error("entry expiring at 100 is alive at 99")
	}
	if !ttl.IsDeletedOrExpired(100) {
		t.Error("entry expiring at 100 is dead at 100")
	}
	forever := ValueStruct{}
	if forever.IsDeletedOrExpired(1 << 40) {
		t.Error("zero ExpiresAt never expires")
	}
}

func TestValuePointerRoundTrip(t *testing.T) {
	p := ValuePointer{Fid: 3, Len: 1024, Offset: 20}
	var got ValuePointer
	got.Decode(p.Encode())
	if got != p {
		t.Errorf("round trip = %+v, want %+v", got, p)
	}
	if p.IsZero() {
		t.Error("non-zero pointer reported zero")
	}
}
