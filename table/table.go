package table

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/loamdb/loam/compression"
	"github.com/loamdb/loam/crypt"
	"github.com/loamdb/loam/keys"
	"github.com/loamdb/loam/mmap"
)

// FileSuffix is the extension of table files on disk.
const FileSuffix = ".sst"

var tableMagic = [4]byte{'B', 'd', 't', 'b'}

// Stubbed in tests that need to age tables.
var timeNow = time.Now

var (
	// ErrChecksumMismatch means a block or index failed verification.
	ErrChecksumMismatch = errors.New("table checksum mismatch")
	// ErrBadMagic means the file is not a table or was truncated.
	ErrBadMagic = errors.New("bad table magic")
)

// sliceReader is a cursor over an encoded index with sticky errors.
type sliceReader struct {
	data []byte
	pos  int
	err  error
}

func (r *sliceReader) u32() uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.err = fmt.Errorf("index truncated at %d", r.pos)
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *sliceReader) u64() uint64 {
	if r.err != nil || r.pos+8 > len(r.data) {
		r.err = fmt.Errorf("index truncated at %d", r.pos)
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *sliceReader) bytes(n int) []byte {
	if r.err != nil || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("index truncated at %d", r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// Table is an open, immutable SSTable. The file stays mapped until the
// last reference is dropped.
type Table struct {
	mf   *mmap.File
	id   uint64
	size int64
	opts Options

	index    *tableIndex
	smallest []byte

	ref     atomic.Int32
	deleted atomic.Bool
}

// Filename builds the table path for an id.
func Filename(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", id, FileSuffix))
}

// CreateTable writes the builder's output to the table file for id and
// opens it.
func CreateTable(path string, b *Builder) (*Table, error) {
	data, err := b.Finish()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o666); err != nil {
		return nil, fmt.Errorf("write table %s: %w", path, err)
	}
	if err := mmap.SyncDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return OpenTable(path, b.opts)
}

// OpenTable maps the file at path and decodes its index.
func OpenTable(path string, opts Options) (*Table, error) {
	mf, err := mmap.Open(path, false, 0)
	if err != nil {
		return nil, err
	}
	t := &Table{mf: mf, size: int64(len(mf.Data)), opts: opts}
	t.ref.Store(1)

	base := filepath.Base(path)
	idStr := base[:len(base)-len(FileSuffix)]
	if _, err := fmt.Sscanf(idStr, "%d", &t.id); err != nil {
		mf.Close(-1)
		return nil, fmt.Errorf("table file name %q: %w", base, err)
	}

	if err := t.readIndex(); err != nil {
		mf.Close(-1)
		return nil, fmt.Errorf("table %d: %w", t.id, err)
	}
	return t, nil
}

func (t *Table) readIndex() error {
	data := t.mf.Data
	if len(data) < 16 {
		return ErrBadMagic
	}
	tail := data[len(data)-16:]
	if !bytes.Equal(tail[12:16], tableMagic[:]) {
		return ErrBadMagic
	}
	indexLen := int(binary.LittleEndian.Uint32(tail[0:4]))
	wantSum := binary.LittleEndian.Uint64(tail[4:12])
	indexEnd := len(data) - 16
	if indexLen > indexEnd {
		return ErrBadMagic
	}
	index := data[indexEnd-indexLen : indexEnd]
	if xxh3.Hash(index) != wantSum {
		return fmt.Errorf("%w: index", ErrChecksumMismatch)
	}
	if t.opts.Cipher != nil {
		if len(index) < crypt.IVSize {
			return ErrBadMagic
		}
		iv := index[len(index)-crypt.IVSize:]
		dec, err := t.opts.Cipher.XOR(iv, index[:len(index)-crypt.IVSize])
		if err != nil {
			return err
		}
		index = dec
	}
	ti, err := decodeTableIndex(index)
	if err != nil {
		return err
	}
	if len(ti.blocks) == 0 {
		return fmt.Errorf("table has no blocks")
	}
	t.index = ti
	t.smallest = ti.blocks[0].baseKey
	return nil
}

// ID returns the numeric table id from the file name.
func (t *Table) ID() uint64 { return t.id }

// Size is the on-disk file size in bytes.
func (t *Table) Size() int64 { return t.size }

// Smallest returns the first encoded key in the table.
func (t *Table) Smallest() []byte { return t.smallest }

// Biggest returns the last encoded key in the table.
func (t *Table) Biggest() []byte { return t.index.biggest }

// MaxVersion is the newest timestamp stored in the table.
func (t *Table) MaxVersion() uint64 { return t.index.maxVersion }

// StaleDataSize estimates bytes held by dead versions.
func (t *Table) StaleDataSize() uint32 { return t.index.staleDataSize }

// CreatedAt is the build time, unix seconds.
func (t *Table) CreatedAt() time.Time { return time.Unix(int64(t.index.createdAt), 0) }

// KeyCount is the number of entries in the table.
func (t *Table) KeyCount() uint32 { return t.index.keyCount }

// KeyID returns the data-key id the table was encrypted with.
func (t *Table) KeyID() uint64 { return t.opts.Cipher.KeyID() }

// CompressionType reports the codec used for this table's blocks.
func (t *Table) CompressionType() compression.Type { return t.opts.Compression }

// IncrRef pins the table file.
func (t *Table) IncrRef() { t.ref.Add(1) }

// MarkForDeletion tells the final DecrRef to remove the file. Used by
// compaction to retire inputs that readers may still hold.
func (t *Table) MarkForDeletion() { t.deleted.Store(true) }

// DecrRef unpins the table. Dropping the last reference unmaps the
// file, deleting it if it was marked for deletion.
func (t *Table) DecrRef() error {
	if t.ref.Add(-1) > 0 {
		return nil
	}
	if t.deleted.Load() {
		return t.mf.Delete()
	}
	return t.mf.Close(-1)
}

// Close unmaps the file without deleting it.
func (t *Table) Close() error {
	return t.mf.Close(-1)
}

// Block is a decoded data block ready for iteration.
type Block struct {
	data         []byte
	entryOffsets []uint32
	baseKey      []byte
}

func (b *Block) size() int64 {
	return int64(len(b.data) + 4*len(b.entryOffsets) + len(b.baseKey) + 24)
}

// DoesNotHave reports definitively-absent for a user key hash. Tables
// without a bloom filter always answer false.
func (t *Table) DoesNotHave(hash uint64) bool {
	if t.index.bloom == nil {
		return false
	}
	var hb [8]byte
	binary.LittleEndian.PutUint64(hb[:], hash)
	return !t.index.bloom.Test(hb[:])
}

// KeyHash fingerprints a user key for bloom checks.
func KeyHash(userKey []byte) uint64 {
	return xxh3.Hash(userKey)
}

// block decodes block idx, going through the cache when one is set.
func (t *Table) block(idx int) (*Block, error) {
	if idx < 0 || idx >= len(t.index.blocks) {
		return nil, fmt.Errorf("block %d out of range", idx)
	}
	var cacheKey uint64
	if t.opts.Cache != nil {
		cacheKey = t.id<<24 | uint64(idx)
		if blk, ok := t.opts.Cache.Get(cacheKey); ok {
			return blk, nil
		}
	}

	bm := t.index.blocks[idx]
	raw := t.mf.Data[bm.offset : bm.offset+bm.len]

	data := raw
	if t.opts.Cache != nil && t.opts.Cipher == nil && t.opts.Compression == compression.None {
		// Cached blocks must not alias the mapping of a table that may
		// be retired while they are still resident.
		data = append([]byte(nil), raw...)
	}
	if t.opts.Cipher != nil {
		if len(data) < crypt.IVSize {
			return nil, fmt.Errorf("block %d too short for iv", idx)
		}
		iv := data[len(data)-crypt.IVSize:]
		dec, err := t.opts.Cipher.XOR(iv, data[:len(data)-crypt.IVSize])
		if err != nil {
			return nil, err
		}
		data = dec
	}
	var err error
	if data, err = compression.Decompress(t.opts.Compression, data); err != nil {
		return nil, fmt.Errorf("block %d: %w", idx, err)
	}

	// Tail: checksum len, checksum, entry count, offsets.
	if len(data) < checksumLenSize+checksumSize+4 {
		return nil, fmt.Errorf("block %d truncated", idx)
	}
	clen := binary.LittleEndian.Uint32(data[len(data)-checksumLenSize:])
	if clen != checksumSize {
		return nil, fmt.Errorf("block %d: unexpected checksum length %d", idx, clen)
	}
	sumEnd := len(data) - checksumLenSize
	want := binary.LittleEndian.Uint64(data[sumEnd-checksumSize : sumEnd])
	body := data[:sumEnd-checksumSize]
	if xxh3.Hash(body) != want {
		return nil, fmt.Errorf("%w: table %d block %d", ErrChecksumMismatch, t.id, idx)
	}

	count := int(binary.LittleEndian.Uint32(body[len(body)-4:]))
	offsetsStart := len(body) - 4 - count*4
	if offsetsStart < 0 {
		return nil, fmt.Errorf("block %d: bad entry count %d", idx, count)
	}
	offsets := make([]uint32, count)
	for i := 0; i < count; i++ {
		offsets[i] = binary.LittleEndian.Uint32(body[offsetsStart+i*4:])
	}
	blk := &Block{
		data:         body[:offsetsStart],
		entryOffsets: offsets,
		baseKey:      bm.baseKey,
	}
	if t.opts.Cache != nil {
		t.opts.Cache.Set(cacheKey, blk, blk.size())
	}
	return blk, nil
}

// VerifyChecksum decodes every block, surfacing any corruption.
func (t *Table) VerifyChecksum() error {
	for i := range t.index.blocks {
		if _, err := t.block(i); err != nil {
			return err
		}
	}
	return nil
}

// CoveredByKeyRange reports whether the table lies entirely inside
// [start, end] in encoded-key order. Empty bounds are infinite.
func (t *Table) CoveredByKeyRange(start, end []byte) bool {
	if len(start) > 0 && keys.CompareKeys(t.Smallest(), start) < 0 {
		return false
	}
	if len(end) > 0 && keys.CompareKeys(t.Biggest(), end) > 0 {
		return false
	}
	return true
}
