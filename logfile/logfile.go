// Package logfile implements the append-only log format shared by the
// write-ahead log and the value log. A file starts with a 20-byte
// header (data-key id and a random IV prefix) followed by entries:
//
//	meta u8 | userMeta u8 | keyLen uvarint | valueLen uvarint |
//	expiresAt uvarint | key | value | crc32 u32
//
// Key and value are encrypted in place when a cipher is configured,
// with the IV derived from the file's IV prefix and the entry offset.
// The CRC covers the entry exactly as written.
package logfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/loamdb/loam/crypt"
	"github.com/loamdb/loam/keys"
	"github.com/loamdb/loam/mmap"
)

const (
	// HeaderSize is the fixed file header: key id + IV prefix.
	HeaderSize = crypt.KeyIDSize + crypt.BaseIVSize

	// MaxEntryHeaderSize bounds an encoded entry header: two meta
	// bytes plus three worst-case uvarints.
	MaxEntryHeaderSize = 2 + 2*binary.MaxVarintLen32 + binary.MaxVarintLen64

	crcSize = 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrStop is returned by an Iterate callback to end replay early
// without reporting an error.
var ErrStop = errors.New("stop log iteration")

// ErrKeyIDMismatch means a log file was written with a different data
// key than the one configured.
var ErrKeyIDMismatch = errors.New("log file data key mismatch")

// ErrCorruptRecord means an entry failed its CRC or is truncated.
// Replay treats it as end of log; direct reads surface it.
var ErrCorruptRecord = errors.New("corrupt log record")

// Entry is one record in a log file.
type Entry struct {
	Key       []byte
	Value     []byte
	ExpiresAt uint64
	Meta      byte
	UserMeta  byte
}

type entryHeader struct {
	klen      uint32
	vlen      uint32
	expiresAt uint64
	meta      byte
	userMeta  byte
}

func (h *entryHeader) encode(out []byte) int {
	out[0] = h.meta
	out[1] = h.userMeta
	i := 2
	i += binary.PutUvarint(out[i:], uint64(h.klen))
	i += binary.PutUvarint(out[i:], uint64(h.vlen))
	i += binary.PutUvarint(out[i:], h.expiresAt)
	return i
}

func (h *entryHeader) decode(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("entry header truncated")
	}
	h.meta = buf[0]
	h.userMeta = buf[1]
	i := 2
	klen, n := binary.Uvarint(buf[i:])
	if n <= 0 {
		return 0, fmt.Errorf("bad key length")
	}
	i += n
	vlen, n := binary.Uvarint(buf[i:])
	if n <= 0 {
		return 0, fmt.Errorf("bad value length")
	}
	i += n
	exp, n := binary.Uvarint(buf[i:])
	if n <= 0 {
		return 0, fmt.Errorf("bad expiry")
	}
	i += n
	h.klen = uint32(klen)
	h.vlen = uint32(vlen)
	h.expiresAt = exp
	return i, nil
}

// LogFile is a memory-mapped append-only log.
type LogFile struct {
	mu      sync.RWMutex
	mf      *mmap.File
	fid     uint32
	writeAt uint32
	size    atomic.Uint32
	cipher  *crypt.Cipher
	baseIV  []byte
}

// Open maps the log at path, creating it at sz bytes with a fresh
// header when it does not exist. An existing file must carry the key
// id of the configured cipher.
func Open(path string, fid uint32, sz int64, cipher *crypt.Cipher) (*LogFile, error) {
	mf, err := mmap.Open(path, true, sz)
	if err != nil {
		return nil, err
	}
	lf := &LogFile{mf: mf, fid: fid, cipher: cipher}

	isNew := true
	if len(mf.Data) >= HeaderSize {
		for _, b := range mf.Data[:HeaderSize] {
			if b != 0 {
				isNew = false
				break
			}
		}
	}
	if isNew {
		if err := lf.bootstrap(); err != nil {
			mf.Close(-1)
			return nil, err
		}
	} else {
		keyID := binary.BigEndian.Uint64(mf.Data[:crypt.KeyIDSize])
		if keyID != cipher.KeyID() {
			mf.Close(-1)
			return nil, fmt.Errorf("%w: file %d has key %d, configured %d",
				ErrKeyIDMismatch, fid, keyID, cipher.KeyID())
		}
		lf.baseIV = append([]byte(nil), mf.Data[crypt.KeyIDSize:HeaderSize]...)
	}
	lf.writeAt = HeaderSize
	lf.size.Store(uint32(len(mf.Data)))
	return lf, nil
}

func (lf *LogFile) bootstrap() error {
	iv, err := crypt.RandomBaseIV()
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(lf.mf.Data[:crypt.KeyIDSize], lf.cipher.KeyID())
	copy(lf.mf.Data[crypt.KeyIDSize:HeaderSize], iv)
	lf.baseIV = iv
	return nil
}

// Fid returns the numeric file id.
func (lf *LogFile) Fid() uint32 { return lf.fid }

// Path returns the file path.
func (lf *LogFile) Path() string { return lf.mf.Path() }

// WriteOffset is where the next entry will land.
func (lf *LogFile) WriteOffset() uint32 {
	lf.mu.RLock()
	defer lf.mu.RUnlock()
	return lf.writeAt
}

// SetWriteOffset positions the append cursor, used after replay.
func (lf *LogFile) SetWriteOffset(offset uint32) {
	lf.mu.Lock()
	lf.writeAt = offset
	lf.mu.Unlock()
}

func (lf *LogFile) transform(kv []byte, offset uint32) ([]byte, error) {
	if lf.cipher == nil {
		return kv, nil
	}
	return lf.cipher.XOR(crypt.IVForOffset(lf.baseIV, offset), kv)
}

// encodeEntry writes e at offset and returns the total encoded length.
func (lf *LogFile) encodeEntry(e *Entry, offset uint32) (uint32, error) {
	h := entryHeader{
		klen:      uint32(len(e.Key)),
		vlen:      uint32(len(e.Value)),
		expiresAt: e.ExpiresAt,
		meta:      e.Meta,
		userMeta:  e.UserMeta,
	}
	var hbuf [MaxEntryHeaderSize]byte
	hlen := h.encode(hbuf[:])

	total := uint32(hlen) + h.klen + h.vlen + crcSize
	if int(offset+total) > len(lf.mf.Data) {
		if err := lf.mf.Truncate(int64(offset+total) * 2); err != nil {
			return 0, err
		}
		lf.size.Store(uint32(len(lf.mf.Data)))
	}

	kv := make([]byte, h.klen+h.vlen)
	copy(kv, e.Key)
	copy(kv[h.klen:], e.Value)
	kv, err := lf.transform(kv, offset)
	if err != nil {
		return 0, err
	}

	buf := lf.mf.Data[offset:]
	copy(buf, hbuf[:hlen])
	copy(buf[hlen:], kv)
	crc := crc32.Checksum(buf[:int(total)-crcSize], castagnoli)
	binary.BigEndian.PutUint32(buf[int(total)-crcSize:total], crc)
	return total, nil
}

// WriteEntry appends e and returns a pointer to its location.
func (lf *LogFile) WriteEntry(e *Entry) (keys.ValuePointer, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	offset := lf.writeAt
	n, err := lf.encodeEntry(e, offset)
	if err != nil {
		return keys.ValuePointer{}, err
	}
	lf.writeAt += n
	return keys.ValuePointer{Fid: lf.fid, Len: n, Offset: offset}, nil
}

// decodeEntry parses the entry at offset, verifying its CRC and
// decrypting the payload.
func (lf *LogFile) decodeEntry(offset uint32) (*Entry, uint32, error) {
	data := lf.mf.Data
	if int(offset) >= len(data) {
		return nil, 0, fmt.Errorf("offset %d beyond file end", offset)
	}
	var h entryHeader
	hlen, err := h.decode(data[offset:])
	if err != nil {
		return nil, 0, err
	}
	if h.klen == 0 {
		// Zeroed preallocated tail.
		return nil, 0, fmt.Errorf("empty entry")
	}
	total := uint32(hlen) + h.klen + h.vlen + crcSize
	if int(offset+total) > len(data) {
		return nil, 0, fmt.Errorf("%w: entry at %d runs past file end", ErrCorruptRecord, offset)
	}
	body := data[offset : offset+total]
	want := binary.BigEndian.Uint32(body[total-crcSize:])
	if got := crc32.Checksum(body[:total-crcSize], castagnoli); got != want {
		return nil, 0, fmt.Errorf("%w: entry at %d crc %08x != %08x", ErrCorruptRecord, offset, got, want)
	}
	kv := append([]byte(nil), body[hlen:total-crcSize]...)
	kv, err = lf.transform(kv, offset)
	if err != nil {
		return nil, 0, err
	}
	return &Entry{
		Key:       kv[:h.klen],
		Value:     kv[h.klen:],
		ExpiresAt: h.expiresAt,
		Meta:      h.meta,
		UserMeta:  h.userMeta,
	}, total, nil
}

// Read returns the value stored at the given pointer.
func (lf *LogFile) Read(p keys.ValuePointer) (*Entry, error) {
	lf.mu.RLock()
	defer lf.mu.RUnlock()
	e, n, err := lf.decodeEntry(p.Offset)
	if err != nil {
		return nil, err
	}
	if n != p.Len {
		return nil, fmt.Errorf("pointer length %d does not match entry length %d", p.Len, n)
	}
	return e, nil
}

// Iterate replays entries from offset, calling fn for each. Replay
// stops quietly at the first corrupt or zeroed entry and returns the
// offset just past the last valid one, which is the truncation point
// after a crash.
func (lf *LogFile) Iterate(offset uint32, fn func(e *Entry, vp keys.ValuePointer) error) (uint32, error) {
	if offset == 0 {
		offset = HeaderSize
	}
	for {
		e, n, err := lf.decodeEntry(offset)
		if err != nil {
			return offset, nil
		}
		vp := keys.ValuePointer{Fid: lf.fid, Len: n, Offset: offset}
		if err := fn(e, vp); err != nil {
			if errors.Is(err, ErrStop) {
				return offset + n, nil
			}
			return offset, err
		}
		offset += n
	}
}

// Sync flushes mapped pages to disk.
func (lf *LogFile) Sync() error {
	return lf.mf.Sync()
}

// DoneWriting syncs and trims the file to the final write offset. The
// file stays mapped for reads.
func (lf *LogFile) DoneWriting() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if err := lf.mf.Sync(); err != nil {
		return err
	}
	return lf.mf.Truncate(int64(lf.writeAt))
}

// Close unmaps the file, truncating the preallocated tail when the
// file was open for writing.
func (lf *LogFile) Close(truncate bool) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if truncate {
		return lf.mf.Close(int64(lf.writeAt))
	}
	return lf.mf.Close(-1)
}

// Delete removes the file from disk.
func (lf *LogFile) Delete() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.mf.Delete()
}
