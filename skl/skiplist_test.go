package skl

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/loamdb/loam/keys"
)

const testArenaSize = 1 << 20

func newValue(s string) keys.ValueStruct {
	return keys.ValueStruct{Value: []byte(s)}
}

func TestPutAndGet(t *testing.T) {
	l := New(testArenaSize)
	defer l.DecrRef()

	l.Put(keys.KeyWithTs([]byte("key1"), 1), newValue("v1"))
	l.Put(keys.KeyWithTs([]byte("key2"), 1), newValue("v2"))

	v := l.Get(keys.KeyWithTs([]byte("key1"), keys.MaxTimestamp))
	if string(v.Value) != "v1" {
		t.Errorf("got %q, want v1", v.Value)
	}
	if v.Version != 1 {
		t.Errorf("version = %d, want 1", v.Version)
	}
	if v := l.Get(keys.KeyWithTs([]byte("missing"), keys.MaxTimestamp)); v.Value != nil {
		t.Errorf("missing key returned %q", v.Value)
	}
}

func TestVersionVisibility(t *testing.T) {
	l := New(testArenaSize)
	defer l.DecrRef()

	l.Put(keys.KeyWithTs([]byte("k"), 10), newValue("ten"))
	l.Put(keys.KeyWithTs([]byte("k"), 20), newValue("twenty"))

	// A read at ts 15 must see version 10, not 20.
	v := l.Get(keys.KeyWithTs([]byte("k"), 15))
	if string(v.Value) != "ten" || v.Version != 10 {
		t.Errorf("read at 15 got %q@%d, want ten@10", v.Value, v.Version)
	}
	v = l.Get(keys.KeyWithTs([]byte("k"), keys.MaxTimestamp))
	if string(v.Value) != "twenty" || v.Version != 20 {
		t.Errorf("read at max got %q@%d, want twenty@20", v.Value, v.Version)
	}
	// A read below the oldest version sees nothing.
	if v := l.Get(keys.KeyWithTs([]byte("k"), 5)); v.Value != nil {
		t.Errorf("read at 5 got %q, want miss", v.Value)
	}
}

func TestIterationOrder(t *testing.T) {
	l := New(testArenaSize)
	defer l.DecrRef()

	for i := 100; i >= 1; i-- {
		key := fmt.Sprintf("%05d", i)
		l.Put(keys.KeyWithTs([]byte(key), uint64(i)), newValue(key))
	}

	it := l.NewIterator()
	defer it.Close()

	var prev []byte
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if prev != nil && keys.CompareKeys(prev, it.Key()) >= 0 {
			t.Fatalf("keys out of order: %q then %q", prev, it.Key())
		}
		prev = append(prev[:0], it.Key()...)
		count++
	}
	if count != 100 {
		t.Errorf("iterated %d keys, want 100", count)
	}
}

func TestBackwardIteration(t *testing.T) {
	l := New(testArenaSize)
	defer l.DecrRef()

	for i := 1; i <= 10; i++ {
		key := fmt.Sprintf("%03d", i)
		l.Put(keys.KeyWithTs([]byte(key), 1), newValue(key))
	}

	it := l.NewIterator()
	defer it.Close()

	it.SeekToLast()
	for i := 10; i >= 1; i-- {
		if !it.Valid() {
			t.Fatalf("iterator exhausted at %d", i)
		}
		want := fmt.Sprintf("%03d", i)
		if got := string(keys.ParseKey(it.Key())); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		it.Prev()
	}
	if it.Valid() {
		t.Error("iterator should be exhausted before the first key")
	}
}

func TestSeek(t *testing.T) {
	l := New(testArenaSize)
	defer l.DecrRef()

	for _, k := range []string{"b", "d", "f"} {
		l.Put(keys.KeyWithTs([]byte(k), 1), newValue(k))
	}

	it := l.NewIterator()
	defer it.Close()

	it.Seek(keys.KeyWithTs([]byte("c"), keys.MaxTimestamp))
	if !it.Valid() || string(keys.ParseKey(it.Key())) != "d" {
		t.Error("Seek(c) should land on d")
	}
	it.SeekForPrev(keys.KeyWithTs([]byte("c"), 0))
	if !it.Valid() || string(keys.ParseKey(it.Key())) != "b" {
		t.Error("SeekForPrev(c) should land on b")
	}
	it.Seek(keys.KeyWithTs([]byte("g"), keys.MaxTimestamp))
	if it.Valid() {
		t.Error("Seek past the end should invalidate")
	}
}

func TestConcurrentPut(t *testing.T) {
	l := New(8 << 20)
	defer l.DecrRef()

	const writers = 8
	const perWriter = 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%02d-%04d", w, i)
				l.Put(keys.KeyWithTs([]byte(key), 1), newValue(key))
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := fmt.Sprintf("w%02d-%04d", w, i)
			v := l.Get(keys.KeyWithTs([]byte(key), keys.MaxTimestamp))
			if !bytes.Equal(v.Value, []byte(key)) {
				t.Fatalf("key %q: got %q", key, v.Value)
			}
		}
	}
}

func TestArenaTooSmallPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic when the arena overflows")
		}
	}()
	l := New(1 << 10)
	defer l.DecrRef()
	big := make([]byte, 4096)
	l.Put(keys.KeyWithTs([]byte("k"), 1), keys.ValueStruct{Value: big})
}
