package loam

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/loamdb/loam/keys"
	"github.com/loamdb/loam/logfile"
)

func testVlogOptions(t *testing.T) *Options {
	t.Helper()
	opt := DefaultOptions(t.TempDir())
	opt.ValueLogFileSize = 4 << 10
	opt.ValueLogMaxEntries = 100
	if err := opt.Validate(); err != nil {
		t.Fatal(err)
	}
	return &opt
}

func vlogEntry(key string, size int) *logfile.Entry {
	return &logfile.Entry{
		Key:   keys.KeyWithTs([]byte(key), 1),
		Value: bytes.Repeat([]byte{'v'}, size),
	}
}

func TestValueLogWriteRead(t *testing.T) {
	opt := testVlogOptions(t)
	vl, err := openValueLog(opt, nil)
	if err != nil {
		t.Fatalf("openValueLog: %v", err)
	}
	defer vl.close()

	entries := []*logfile.Entry{
		vlogEntry("a", 100),
		vlogEntry("b", 200),
		vlogEntry("c", 300),
	}
	ptrs, err := vl.write(entries)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(ptrs) != len(entries) {
		t.Fatalf("got %d pointers for %d entries", len(ptrs), len(entries))
	}
	for i, vp := range ptrs {
		val, err := vl.read(vp)
		if err != nil {
			t.Fatalf("read entry %d: %v", i, err)
		}
		if !bytes.Equal(val, entries[i].Value) {
			t.Errorf("entry %d: value mismatch, got %d bytes want %d", i, len(val), len(entries[i].Value))
		}
	}
}

// A batch that would cross the segment boundary rolls to a new
// segment first; its pointers must all land in one file.
func TestValueLogBatchNeverSplits(t *testing.T) {
	opt := testVlogOptions(t)
	vl, err := openValueLog(opt, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer vl.close()

	// Leave little room in the first segment.
	if _, err := vl.write([]*logfile.Entry{vlogEntry("pad", 3000)}); err != nil {
		t.Fatal(err)
	}
	firstFid := vl.maxFid

	batch := []*logfile.Entry{
		vlogEntry("x", 800),
		vlogEntry("y", 800),
	}
	ptrs, err := vl.write(batch)
	if err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if ptrs[0].Fid != ptrs[1].Fid {
		t.Fatalf("batch split across segments: fids %d and %d", ptrs[0].Fid, ptrs[1].Fid)
	}
	if ptrs[0].Fid == firstFid {
		t.Fatalf("batch should have rolled to a new segment, still in %d", firstFid)
	}
	for i, vp := range ptrs {
		val, err := vl.read(vp)
		if err != nil {
			t.Fatalf("read %d after rollover: %v", i, err)
		}
		if !bytes.Equal(val, batch[i].Value) {
			t.Errorf("entry %d corrupted after rollover", i)
		}
	}
}

func TestValueLogEntryLimitRollover(t *testing.T) {
	opt := testVlogOptions(t)
	opt.ValueLogMaxEntries = 2
	vl, err := openValueLog(opt, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer vl.close()

	if _, err := vl.write([]*logfile.Entry{vlogEntry("a", 10), vlogEntry("b", 10)}); err != nil {
		t.Fatal(err)
	}
	fid1 := vl.maxFid
	if _, err := vl.write([]*logfile.Entry{vlogEntry("c", 10)}); err != nil {
		t.Fatal(err)
	}
	if vl.maxFid == fid1 {
		t.Fatal("entry limit should have rolled the segment")
	}
}

func TestValueLogBatchTooBig(t *testing.T) {
	opt := testVlogOptions(t)
	vl, err := openValueLog(opt, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer vl.close()

	_, err = vl.write([]*logfile.Entry{vlogEntry("huge", int(opt.ValueLogFileSize))})
	if !errors.Is(err, ErrBatchTooBig) {
		t.Fatalf("err = %v, want ErrBatchTooBig", err)
	}
}

func TestValueLogReopen(t *testing.T) {
	opt := testVlogOptions(t)
	vl, err := openValueLog(opt, nil)
	if err != nil {
		t.Fatal(err)
	}

	var ptrs []keys.ValuePointer
	for i := 0; i < 10; i++ {
		p, err := vl.write([]*logfile.Entry{vlogEntry(fmt.Sprintf("k%02d", i), 700)})
		if err != nil {
			t.Fatal(err)
		}
		ptrs = append(ptrs, p...)
	}
	if vl.maxFid == 1 {
		t.Fatal("writes should have spanned multiple segments")
	}
	if err := vl.close(); err != nil {
		t.Fatal(err)
	}

	vl, err = openValueLog(opt, nil)
	if err != nil {
		t.Fatalf("reopen value log: %v", err)
	}
	defer vl.close()
	for i, vp := range ptrs {
		val, err := vl.read(vp)
		if err != nil {
			t.Fatalf("read %d after reopen: %v", i, err)
		}
		if len(val) != 700 {
			t.Errorf("entry %d: %d bytes, want 700", i, len(val))
		}
	}
}

func TestValueLogDiscardStats(t *testing.T) {
	opt := testVlogOptions(t)
	vl, err := openValueLog(opt, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer vl.close()

	vl.recordDiscard(1, 500)
	vl.recordDiscard(2, 1500)
	vl.recordDiscard(1, 250)

	fid, n := vl.maxDiscardSegment()
	if fid != 2 || n != 1500 {
		t.Fatalf("maxDiscardSegment = (%d, %d), want (2, 1500)", fid, n)
	}
}
