package logfile

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/loamdb/loam/crypt"
	"github.com/loamdb/loam/keys"
)

func openTestLog(t *testing.T, cipher *crypt.Cipher) *LogFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000001.log")
	lf, err := Open(path, 1, 1<<20, cipher)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return lf
}

func TestWriteReadEntry(t *testing.T) {
	lf := openTestLog(t, nil)
	defer lf.Close(true)

	e := &Entry{
		Key:       keys.KeyWithTs([]byte("hello"), 7),
		Value:     []byte("world"),
		Meta:      keys.BitValuePointer,
		UserMeta:  3,
		ExpiresAt: 99,
	}
	vp, err := lf.WriteEntry(e)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if vp.Offset != HeaderSize || vp.Fid != 1 {
		t.Errorf("unexpected pointer %+v", vp)
	}

	got, err := lf.Read(vp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got.Key, e.Key) || !bytes.Equal(got.Value, e.Value) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Meta != e.Meta || got.UserMeta != e.UserMeta || got.ExpiresAt != e.ExpiresAt {
		t.Errorf("header mismatch: %+v", got)
	}
}

func TestIterateAndTruncatedTail(t *testing.T) {
	lf := openTestLog(t, nil)

	var pointers []keys.ValuePointer
	for i := 0; i < 10; i++ {
		vp, err := lf.WriteEntry(&Entry{
			Key:   keys.KeyWithTs([]byte(fmt.Sprintf("key%02d", i)), uint64(i+1)),
			Value: []byte(fmt.Sprintf("val%02d", i)),
		})
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		pointers = append(pointers, vp)
	}

	// Corrupt the last entry's CRC. Replay must stop just before it.
	last := pointers[9]
	lf.mf.Data[last.Offset+last.Len-1] ^= 0xff

	count := 0
	end, err := lf.Iterate(0, func(e *Entry, vp keys.ValuePointer) error {
		if want := fmt.Sprintf("val%02d", count); string(e.Value) != want {
			t.Errorf("entry %d: value %q, want %q", count, e.Value, want)
		}
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if count != 9 {
		t.Errorf("replayed %d entries, want 9", count)
	}
	if end != last.Offset {
		t.Errorf("end offset %d, want %d", end, last.Offset)
	}
	lf.Close(true)
}

func TestIterateStop(t *testing.T) {
	lf := openTestLog(t, nil)
	defer lf.Close(true)

	for i := 0; i < 5; i++ {
		if _, err := lf.WriteEntry(&Entry{Key: keys.KeyWithTs([]byte{byte(i)}, 1), Value: []byte("v")}); err != nil {
			t.Fatal(err)
		}
	}
	count := 0
	if _, err := lf.Iterate(0, func(e *Entry, vp keys.ValuePointer) error {
		count++
		if count == 3 {
			return ErrStop
		}
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if count != 3 {
		t.Errorf("callback ran %d times, want 3", count)
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	cipher, err := crypt.New(11, key)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "000002.log")
	lf, err := Open(path, 2, 1<<20, cipher)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	plain := []byte("secret value")
	vp, err := lf.WriteEntry(&Entry{Key: keys.KeyWithTs([]byte("k"), 1), Value: plain})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(lf.mf.Data, plain) {
		t.Error("plaintext value visible in encrypted log")
	}
	got, err := lf.Read(vp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got.Value, plain) {
		t.Errorf("decrypted %q, want %q", got.Value, plain)
	}
	if err := lf.Close(true); err != nil {
		t.Fatal(err)
	}

	// Reopening with a different key id must fail.
	other, err := crypt.New(99, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, 2, 1<<20, other); err == nil {
		t.Error("expected key id mismatch on reopen")
	}

	// Reopening with the right cipher replays cleanly.
	lf2, err := Open(path, 2, 1<<20, cipher)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer lf2.Close(false)
	found := false
	if _, err := lf2.Iterate(0, func(e *Entry, vp keys.ValuePointer) error {
		found = bytes.Equal(e.Value, plain)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Error("entry not recovered after reopen")
	}
}
