// Package table implements SSTables: block-structured, prefix
// compressed, optionally compressed and encrypted immutable files with
// a bloom filter and a block index in the footer.
package table

import (
	"bytes"
	"encoding/binary"
	"math"
	"runtime"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/zeebo/xxh3"

	"github.com/loamdb/loam/compression"
	"github.com/loamdb/loam/crypt"
	"github.com/loamdb/loam/keys"
)

const (
	// Per-entry header inside a block: overlap and diff lengths
	// against the block's base key.
	entryHeaderSize = 4

	checksumSize    = 8
	checksumLenSize = 4

	// maxBlockEntries caps entries so u16 offsets in headers and the
	// restart math stay honest even with tiny keys.
	padding = crypt.IVSize
)

// Options configures table building and reading.
type Options struct {
	// BlockSize is the uncompressed target size of a data block.
	BlockSize int

	// TableSize is the target on-disk size. Capacity checks use a
	// small headroom above it.
	TableSize int64

	// BloomFalsePositive tunes the per-table bloom filter. Zero
	// disables the filter.
	BloomFalsePositive float64

	// Compression is the codec applied to every block of this table.
	Compression compression.Type

	// Cipher encrypts blocks and the index when set.
	Cipher *crypt.Cipher

	// BuildWorkers is the number of goroutines compressing and
	// encrypting finished blocks. Zero means GOMAXPROCS.
	BuildWorkers int

	// Cache, when set, holds decoded blocks across reads.
	Cache Cache
}

type entryHeader struct {
	overlap uint16
	diff    uint16
}

func (h entryHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], h.overlap)
	binary.LittleEndian.PutUint16(dst[2:4], h.diff)
}

func decodeEntryHeader(src []byte) entryHeader {
	return entryHeader{
		overlap: binary.LittleEndian.Uint16(src[0:2]),
		diff:    binary.LittleEndian.Uint16(src[2:4]),
	}
}

type bblock struct {
	data         []byte
	baseKey      []byte
	entryOffsets []uint32
	err          error
}

// Builder assembles one table. Blocks are sealed as they fill and
// handed to background workers for compression and encryption; Finish
// stitches them back together in order.
type Builder struct {
	opts Options

	cur       *bblock
	blocks    []*bblock
	blockChan chan *bblock
	wg        sync.WaitGroup

	keyHashes        []uint64
	lastKey          []byte
	maxVersion       uint64
	staleDataSize    int
	estimatedSize    int
	uncompressedSize int
	onDiskHint       int
}

// NewBuilder starts a builder for one output table.
func NewBuilder(opts Options) *Builder {
	b := &Builder{
		opts: opts,
		cur:  &bblock{data: make([]byte, 0, opts.BlockSize+1024)},
	}
	workers := opts.BuildWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if opts.Compression != compression.None || opts.Cipher != nil {
		b.blockChan = make(chan *bblock, workers*2)
		b.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go b.worker()
		}
	}
	return b
}

func (b *Builder) worker() {
	defer b.wg.Done()
	for blk := range b.blockChan {
		data := blk.data
		if b.opts.Compression != compression.None {
			out, err := compression.Compress(b.opts.Compression, data)
			if err != nil {
				blk.err = err
				continue
			}
			data = out
		}
		if b.opts.Cipher != nil {
			iv, err := crypt.RandomIV()
			if err != nil {
				blk.err = err
				continue
			}
			enc, err := b.opts.Cipher.XOR(iv, data)
			if err != nil {
				blk.err = err
				continue
			}
			data = append(enc, iv...)
		}
		blk.data = data
	}
}

// Empty reports whether nothing has been added yet.
func (b *Builder) Empty() bool {
	return len(b.cur.entryOffsets) == 0 && len(b.blocks) == 0
}

// KeyCount returns the number of entries added so far.
func (b *Builder) KeyCount() int {
	return len(b.keyHashes)
}

// ReachedCapacity reports whether the table has grown past its target
// size and should be finished.
func (b *Builder) ReachedCapacity() bool {
	return int64(b.estimatedSize+len(b.cur.data)) > b.opts.TableSize
}

// Add appends an entry. Keys must arrive in encoded-key order.
// vlogLen reports how many value-log bytes the entry accounts for, so
// tables holding pointers carry a fair size estimate.
func (b *Builder) Add(key []byte, v keys.ValueStruct, vlogLen uint32) {
	b.addInternal(key, v, vlogLen, false)
}

// AddStaleKey is Add for versions the compaction already knows are
// dead weight. Their size feeds the table's stale-data estimate that
// later drives last-level rewrites.
func (b *Builder) AddStaleKey(key []byte, v keys.ValueStruct, vlogLen uint32) {
	b.addInternal(key, v, vlogLen, true)
}

func (b *Builder) addInternal(key []byte, v keys.ValueStruct, vlogLen uint32, stale bool) {
	if b.shouldFinishBlock(key, v) {
		b.finishBlock()
		b.cur = &bblock{data: make([]byte, 0, b.opts.BlockSize+1024)}
	}
	if stale {
		b.staleDataSize += len(key) + len(v.Value) + entryHeaderSize
	}

	b.keyHashes = append(b.keyHashes, xxh3.Hash(keys.ParseKey(key)))
	b.lastKey = append(b.lastKey[:0], key...)
	if ts := keys.ParseTs(key); ts > b.maxVersion {
		b.maxVersion = ts
	}

	var diffKey []byte
	if len(b.cur.baseKey) == 0 {
		b.cur.baseKey = append(b.cur.baseKey[:0], key...)
		diffKey = key
	} else {
		diffKey = b.keyDiff(key)
	}
	h := entryHeader{
		overlap: uint16(len(key) - len(diffKey)),
		diff:    uint16(len(diffKey)),
	}

	b.cur.entryOffsets = append(b.cur.entryOffsets, uint32(len(b.cur.data)))

	var hbuf [entryHeaderSize]byte
	h.encode(hbuf[:])
	b.cur.data = append(b.cur.data, hbuf[:]...)
	b.cur.data = append(b.cur.data, diffKey...)
	vbuf := make([]byte, v.EncodedSize())
	v.Encode(vbuf)
	b.cur.data = append(b.cur.data, vbuf...)
	b.onDiskHint += len(key) + len(vbuf) + entryHeaderSize + int(vlogLen)
}

// keyDiff strips the prefix shared with the block base key. Shared
// length is capped at 16 bits by the entry header.
func (b *Builder) keyDiff(key []byte) []byte {
	var i int
	for i = 0; i < len(key) && i < len(b.cur.baseKey); i++ {
		if key[i] != b.cur.baseKey[i] {
			break
		}
	}
	if i > math.MaxUint16 {
		i = math.MaxUint16
	}
	return key[i:]
}

func (b *Builder) shouldFinishBlock(key []byte, v keys.ValueStruct) bool {
	if len(b.cur.entryOffsets) == 0 {
		return false
	}
	// Size once the entry, its offset slot and the block tail land.
	estimate := len(b.cur.data) +
		entryHeaderSize + len(key) + int(v.EncodedSize()) +
		(len(b.cur.entryOffsets)+1)*4 +
		4 + checksumSize + checksumLenSize
	if b.opts.Cipher != nil {
		estimate += padding
	}
	return estimate > b.opts.BlockSize
}

// finishBlock seals the current block: offset table, entry count and
// checksum go on the tail, then the block is queued for the pipeline.
func (b *Builder) finishBlock() {
	if len(b.cur.entryOffsets) == 0 {
		return
	}
	data := b.cur.data
	for _, off := range b.cur.entryOffsets {
		data = binary.LittleEndian.AppendUint32(data, off)
	}
	data = binary.LittleEndian.AppendUint32(data, uint32(len(b.cur.entryOffsets)))
	sum := xxh3.Hash(data)
	data = binary.LittleEndian.AppendUint64(data, sum)
	data = binary.LittleEndian.AppendUint32(data, checksumSize)
	b.cur.data = data

	b.estimatedSize += len(data)
	b.uncompressedSize += len(data)
	b.blocks = append(b.blocks, b.cur)
	if b.blockChan != nil {
		b.blockChan <- b.cur
	}
}

type blockMeta struct {
	offset  uint32
	len     uint32
	baseKey []byte
}

// tableIndex is the decoded footer index.
type tableIndex struct {
	blocks        []blockMeta
	bloom         *bloom.BloomFilter
	maxVersion    uint64
	staleDataSize uint32
	createdAt     uint64
	biggest       []byte
	keyCount      uint32
	uncompressed  uint32
}

func (ti *tableIndex) encode() []byte {
	var buf bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		buf.Write(scratch[:4])
	}
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:8], v)
		buf.Write(scratch[:8])
	}

	putU32(uint32(len(ti.blocks)))
	for _, bm := range ti.blocks {
		putU32(bm.offset)
		putU32(bm.len)
		putU32(uint32(len(bm.baseKey)))
		buf.Write(bm.baseKey)
	}
	if ti.bloom != nil {
		var bf bytes.Buffer
		ti.bloom.WriteTo(&bf)
		putU32(uint32(bf.Len()))
		buf.Write(bf.Bytes())
	} else {
		putU32(0)
	}
	putU64(ti.maxVersion)
	putU32(ti.staleDataSize)
	putU64(ti.createdAt)
	putU32(ti.keyCount)
	putU32(ti.uncompressed)
	putU32(uint32(len(ti.biggest)))
	buf.Write(ti.biggest)
	return buf.Bytes()
}

func decodeTableIndex(data []byte) (*tableIndex, error) {
	rd := &sliceReader{data: data}
	ti := &tableIndex{}
	n := rd.u32()
	ti.blocks = make([]blockMeta, 0, n)
	for i := uint32(0); i < n; i++ {
		bm := blockMeta{offset: rd.u32(), len: rd.u32()}
		bm.baseKey = rd.bytes(int(rd.u32()))
		ti.blocks = append(ti.blocks, bm)
	}
	if blen := rd.u32(); blen > 0 {
		ti.bloom = &bloom.BloomFilter{}
		if _, err := ti.bloom.ReadFrom(bytes.NewReader(rd.bytes(int(blen)))); err != nil {
			return nil, err
		}
	}
	ti.maxVersion = rd.u64()
	ti.staleDataSize = rd.u32()
	ti.createdAt = rd.u64()
	ti.keyCount = rd.u32()
	ti.uncompressed = rd.u32()
	ti.biggest = rd.bytes(int(rd.u32()))
	if rd.err != nil {
		return nil, rd.err
	}
	return ti, nil
}

// MaxVersion is the largest timestamp added so far.
func (b *Builder) MaxVersion() uint64 { return b.maxVersion }

// EstimatedSize is the on-disk size hint used for split planning.
func (b *Builder) EstimatedSize() int { return b.onDiskHint }

// Finish seals the last block, waits for the pipeline and returns the
// complete file image: blocks, index, index length, index checksum
// and the trailing magic.
func (b *Builder) Finish() ([]byte, error) {
	b.finishBlock()
	if b.blockChan != nil {
		close(b.blockChan)
	}
	b.wg.Wait()

	ti := &tableIndex{
		maxVersion:    b.maxVersion,
		staleDataSize: uint32(b.staleDataSize),
		createdAt:     uint64(timeNow().Unix()),
		keyCount:      uint32(len(b.keyHashes)),
	}

	var out bytes.Buffer
	for _, blk := range b.blocks {
		if blk.err != nil {
			return nil, blk.err
		}
		ti.blocks = append(ti.blocks, blockMeta{
			offset:  uint32(out.Len()),
			len:     uint32(len(blk.data)),
			baseKey: blk.baseKey,
		})
		out.Write(blk.data)
	}
	ti.uncompressed = uint32(b.uncompressedSize)

	if b.opts.BloomFalsePositive > 0 && len(b.keyHashes) > 0 {
		f := bloom.NewWithEstimates(uint(len(b.keyHashes)), b.opts.BloomFalsePositive)
		var hb [8]byte
		for _, h := range b.keyHashes {
			binary.LittleEndian.PutUint64(hb[:], h)
			f.Add(hb[:])
		}
		ti.bloom = f
	}

	ti.biggest = b.lastKey

	index := ti.encode()
	if b.opts.Cipher != nil {
		iv, err := crypt.RandomIV()
		if err != nil {
			return nil, err
		}
		enc, err := b.opts.Cipher.XOR(iv, index)
		if err != nil {
			return nil, err
		}
		index = append(enc, iv...)
	}
	out.Write(index)
	var tail [16]byte
	binary.LittleEndian.PutUint32(tail[0:4], uint32(len(index)))
	binary.LittleEndian.PutUint64(tail[4:12], xxh3.Hash(index))
	copy(tail[12:16], tableMagic[:])
	out.Write(tail[:])
	return out.Bytes(), nil
}
