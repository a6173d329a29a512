package loam

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loamdb/loam/compression"
)

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()

	mf, m, err := openOrCreateManifest(dir)
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	if len(m.Tables) != 0 {
		t.Fatalf("fresh manifest has %d tables", len(m.Tables))
	}

	changes := []manifestChange{
		newCreateChange(1, 0, 0, compression.Snappy),
		newCreateChange(2, 0, 0, compression.Snappy),
		newCreateChange(3, 1, 7, compression.Zstd),
	}
	if err := mf.addChanges(changes); err != nil {
		t.Fatalf("addChanges: %v", err)
	}
	if err := mf.addChanges([]manifestChange{newDeleteChange(2)}); err != nil {
		t.Fatalf("addChanges delete: %v", err)
	}
	if err := mf.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mf, m, err = openOrCreateManifest(dir)
	if err != nil {
		t.Fatalf("reopen manifest: %v", err)
	}
	defer mf.close()

	if len(m.Tables) != 2 {
		t.Fatalf("replayed %d tables, want 2", len(m.Tables))
	}
	if _, ok := m.Tables[2]; ok {
		t.Error("deleted table 2 still present")
	}
	tm, ok := m.Tables[3]
	if !ok {
		t.Fatal("table 3 missing after replay")
	}
	if tm.Level != 1 || tm.KeyID != 7 || tm.Compression != compression.Zstd {
		t.Errorf("table 3 metadata = %+v", tm)
	}
	if len(m.Levels) < 2 {
		t.Fatalf("levels not rebuilt: %d", len(m.Levels))
	}
	if _, ok := m.Levels[1].Tables[3]; !ok {
		t.Error("table 3 not on level 1")
	}
}

// A torn write at the tail must not lose the records before it.
func TestManifestTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()

	mf, _, err := openOrCreateManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := mf.addChanges([]manifestChange{newCreateChange(1, 0, 0, compression.None)}); err != nil {
		t.Fatal(err)
	}
	if err := mf.close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, manifestFilename)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0xde, 0xad, 0xbe}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	mf, m, err := openOrCreateManifest(dir)
	if err != nil {
		t.Fatalf("reopen with torn tail: %v", err)
	}
	defer mf.close()
	if _, ok := m.Tables[1]; !ok {
		t.Fatal("record before the torn tail was lost")
	}

	// The replay truncated the junk, so appending keeps working.
	if err := mf.addChanges([]manifestChange{newCreateChange(2, 0, 0, compression.None)}); err != nil {
		t.Fatalf("addChanges after truncation: %v", err)
	}
}

func TestManifestBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, manifestFilename)
	if err := os.WriteFile(path, []byte("not a manifest at all"), 0o666); err != nil {
		t.Fatal(err)
	}
	if _, _, err := openOrCreateManifest(dir); err == nil {
		t.Fatal("expected error opening garbage manifest")
	}
}

func TestManifestRewrite(t *testing.T) {
	dir := t.TempDir()

	mf, m, err := openOrCreateManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := mf.addChanges([]manifestChange{
		newCreateChange(1, 0, 0, compression.S2),
		newCreateChange(2, 3, 0, compression.S2),
	}); err != nil {
		t.Fatal(err)
	}
	_ = m

	// Force a rewrite and check the compacted file replays to the
	// same state.
	mf.mu.Lock()
	err = mf.rewriteLocked()
	mf.mu.Unlock()
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := mf.close(); err != nil {
		t.Fatal(err)
	}

	mf, m2, err := openOrCreateManifest(dir)
	if err != nil {
		t.Fatalf("reopen after rewrite: %v", err)
	}
	defer mf.close()
	if len(m2.Tables) != 2 {
		t.Fatalf("rewritten manifest has %d tables, want 2", len(m2.Tables))
	}
	if m2.Tables[2].Level != 3 {
		t.Errorf("table 2 level = %d, want 3", m2.Tables[2].Level)
	}
	if m2.Deletions != 0 {
		t.Errorf("rewritten manifest should start with zero deletions, got %d", m2.Deletions)
	}
}
