package table

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/loamdb/loam/compression"
	"github.com/loamdb/loam/crypt"
	"github.com/loamdb/loam/keys"
)

func testOptions() Options {
	return Options{
		BlockSize:          4 * 1024,
		TableSize:          8 << 20,
		BloomFalsePositive: 0.01,
	}
}

func buildTestTable(t *testing.T, opts Options, n int) *Table {
	t.Helper()
	b := NewBuilder(opts)
	for i := 0; i < n; i++ {
		key := keys.KeyWithTs([]byte(fmt.Sprintf("key%06d", i)), uint64(i+1))
		b.Add(key, keys.ValueStruct{Value: []byte(fmt.Sprintf("val%06d", i))}, 0)
	}
	tbl, err := CreateTable(Filename(t.TempDir(), 1), b)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return tbl
}

func TestBuildAndIterate(t *testing.T) {
	tbl := buildTestTable(t, testOptions(), 5000)
	defer tbl.DecrRef()

	if tbl.KeyCount() != 5000 {
		t.Errorf("key count = %d, want 5000", tbl.KeyCount())
	}
	if tbl.MaxVersion() != 5000 {
		t.Errorf("max version = %d, want 5000", tbl.MaxVersion())
	}
	if got := string(keys.ParseKey(tbl.Smallest())); got != "key000000" {
		t.Errorf("smallest = %q", got)
	}
	if got := string(keys.ParseKey(tbl.Biggest())); got != "key004999" {
		t.Errorf("biggest = %q", got)
	}

	it := tbl.NewIterator(false)
	defer it.Close()
	i := 0
	var prev []byte
	for it.Rewind(); it.Valid(); it.Next() {
		if prev != nil && keys.CompareKeys(prev, it.Key()) >= 0 {
			t.Fatalf("order violated at %d", i)
		}
		want := fmt.Sprintf("val%06d", i)
		if got := string(it.Value().Value); got != want {
			t.Fatalf("entry %d: value %q, want %q", i, got, want)
		}
		prev = append(prev[:0], it.Key()...)
		i++
	}
	if i != 5000 {
		t.Errorf("iterated %d entries, want 5000", i)
	}
	if it.Err() != nil {
		t.Errorf("iterator error: %v", it.Err())
	}
}

func TestReverseIteration(t *testing.T) {
	tbl := buildTestTable(t, testOptions(), 1000)
	defer tbl.DecrRef()

	it := tbl.NewIterator(true)
	defer it.Close()
	i := 999
	for it.Rewind(); it.Valid(); it.Next() {
		want := fmt.Sprintf("key%06d", i)
		if got := string(keys.ParseKey(it.Key())); got != want {
			t.Fatalf("reverse entry: got %q, want %q", got, want)
		}
		i--
	}
	if i != -1 {
		t.Errorf("reverse iteration stopped at %d", i+1)
	}
}

func TestSeek(t *testing.T) {
	tbl := buildTestTable(t, testOptions(), 1000)
	defer tbl.DecrRef()

	it := tbl.NewIterator(false)
	defer it.Close()

	it.Seek(keys.KeyWithTs([]byte("key000500"), keys.MaxTimestamp))
	if !it.Valid() || string(keys.ParseKey(it.Key())) != "key000500" {
		t.Error("seek to existing key failed")
	}
	it.Seek(keys.KeyWithTs([]byte("key0005005"), keys.MaxTimestamp))
	if !it.Valid() || string(keys.ParseKey(it.Key())) != "key000501" {
		t.Error("seek between keys should land on the next one")
	}
	it.Seek(keys.KeyWithTs([]byte("zzz"), keys.MaxTimestamp))
	if it.Valid() {
		t.Error("seek past end should invalidate")
	}

	rit := tbl.NewIterator(true)
	defer rit.Close()
	rit.Seek(keys.KeyWithTs([]byte("key0005005"), 0))
	if !rit.Valid() || string(keys.ParseKey(rit.Key())) != "key000500" {
		t.Error("reversed seek should land on the previous key")
	}
}

func TestCompressionAndEncryptionVariants(t *testing.T) {
	cipher, err := crypt.New(7, bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		mod  func(*Options)
	}{
		{"zstd", func(o *Options) { o.Compression = compression.Zstd }},
		{"snappy", func(o *Options) { o.Compression = compression.Snappy }},
		{"encrypted", func(o *Options) { o.Cipher = cipher }},
		{"zstd+encrypted", func(o *Options) {
			o.Compression = compression.Zstd
			o.Cipher = cipher
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.mod(&opts)
			tbl := buildTestTable(t, opts, 2000)
			defer tbl.DecrRef()

			if err := tbl.VerifyChecksum(); err != nil {
				t.Fatalf("verify: %v", err)
			}
			it := tbl.NewIterator(false)
			defer it.Close()
			count := 0
			for it.Rewind(); it.Valid(); it.Next() {
				count++
			}
			if count != 2000 {
				t.Errorf("iterated %d entries, want 2000", count)
			}
		})
	}
}

func TestBloomFilter(t *testing.T) {
	tbl := buildTestTable(t, testOptions(), 1000)
	defer tbl.DecrRef()

	if tbl.DoesNotHave(KeyHash([]byte("key000123"))) {
		t.Error("bloom filter rejected a present key")
	}
	misses := 0
	for i := 0; i < 1000; i++ {
		if tbl.DoesNotHave(KeyHash([]byte(fmt.Sprintf("absent%06d", i)))) {
			misses++
		}
	}
	if misses < 900 {
		t.Errorf("bloom filter rejected only %d of 1000 absent keys", misses)
	}
}

func TestChecksumMismatchDetected(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	b := NewBuilder(opts)
	for i := 0; i < 2000; i++ {
		key := keys.KeyWithTs([]byte(fmt.Sprintf("key%06d", i)), 1)
		b.Add(key, keys.ValueStruct{Value: bytes.Repeat([]byte{'x'}, 64)}, 0)
	}
	path := Filename(dir, 2)
	tbl, err := CreateTable(path, b)
	if err != nil {
		t.Fatal(err)
	}
	tbl.DecrRef()

	// Flip a byte in the first data block and reopen.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[100] ^= 0xff
	if err := os.WriteFile(path, data, 0o666); err != nil {
		t.Fatal(err)
	}
	tbl2, err := OpenTable(path, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tbl2.DecrRef()
	if err := tbl2.VerifyChecksum(); err == nil {
		t.Error("expected checksum failure after corruption")
	}
}

func TestStaleDataSizeRecorded(t *testing.T) {
	opts := testOptions()
	b := NewBuilder(opts)
	for i := 0; i < 100; i++ {
		key := keys.KeyWithTs([]byte(fmt.Sprintf("key%06d", i)), 2)
		b.Add(key, keys.ValueStruct{Value: []byte("live")}, 0)
		old := keys.KeyWithTs([]byte(fmt.Sprintf("key%06d", i)), 1)
		b.AddStaleKey(old, keys.ValueStruct{Value: []byte("dead")}, 0)
	}
	tbl, err := CreateTable(Filename(t.TempDir(), 3), b)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.DecrRef()
	if tbl.StaleDataSize() == 0 {
		t.Error("stale data size should be recorded in the index")
	}
}

func TestConcatIterator(t *testing.T) {
	dir := t.TempDir()
	var tables []*Table
	id := uint64(1)
	for batch := 0; batch < 3; batch++ {
		b := NewBuilder(testOptions())
		for i := 0; i < 100; i++ {
			k := fmt.Sprintf("key%d-%03d", batch, i)
			b.Add(keys.KeyWithTs([]byte(k), 1), keys.ValueStruct{Value: []byte(k)}, 0)
		}
		tbl, err := CreateTable(Filename(dir, id), b)
		if err != nil {
			t.Fatal(err)
		}
		id++
		tables = append(tables, tbl)
	}
	defer func() {
		for _, tbl := range tables {
			tbl.DecrRef()
		}
	}()

	ci := NewConcatIterator(tables, false)
	defer ci.Close()
	count := 0
	var prev []byte
	for ci.Rewind(); ci.Valid(); ci.Next() {
		if prev != nil && keys.CompareKeys(prev, ci.Key()) >= 0 {
			t.Fatal("concat order violated")
		}
		prev = append(prev[:0], ci.Key()...)
		count++
	}
	if count != 300 {
		t.Errorf("concat iterated %d, want 300", count)
	}

	ci2 := NewConcatIterator(tables, false)
	defer ci2.Close()
	ci2.Seek(keys.KeyWithTs([]byte("key1-050"), keys.MaxTimestamp))
	if !ci2.Valid() || string(keys.ParseKey(ci2.Key())) != "key1-050" {
		t.Error("concat seek landed wrong")
	}
}

func TestMergeIteratorPrefersNewerSource(t *testing.T) {
	dir := t.TempDir()
	newer := NewBuilder(testOptions())
	newer.Add(keys.KeyWithTs([]byte("dup"), 9), keys.ValueStruct{Value: []byte("new")}, 0)
	newer.Add(keys.KeyWithTs([]byte("only-new"), 9), keys.ValueStruct{Value: []byte("n")}, 0)
	tn, err := CreateTable(Filename(dir, 1), newer)
	if err != nil {
		t.Fatal(err)
	}
	defer tn.DecrRef()

	older := NewBuilder(testOptions())
	older.Add(keys.KeyWithTs([]byte("dup"), 9), keys.ValueStruct{Value: []byte("old")}, 0)
	older.Add(keys.KeyWithTs([]byte("only-old"), 3), keys.ValueStruct{Value: []byte("o")}, 0)
	to, err := CreateTable(Filename(dir, 2), older)
	if err != nil {
		t.Fatal(err)
	}
	defer to.DecrRef()

	mi := NewMergeIterator([]keys.Iterator{tn.NewIterator(false), to.NewIterator(false)}, false)
	defer mi.Close()

	var got []string
	for mi.Rewind(); mi.Valid(); mi.Next() {
		got = append(got, fmt.Sprintf("%s=%s", keys.ParseKey(mi.Key()), mi.Value().Value))
	}
	want := []string{"dup=new", "only-new=n", "only-old=o"}
	if len(got) != len(want) {
		t.Fatalf("merged %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: %q, want %q", i, got[i], want[i])
		}
	}
}
