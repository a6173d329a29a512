package loam

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/loamdb/loam/compression"
	"github.com/loamdb/loam/mmap"
)

// The manifest is the authoritative record of which tables exist and
// where. It is an append-only log of change sets:
//
//	"Bdgr" | externalVersion u16 | internalVersion u16
//	repeat: changeSetLen u32 | crc32 u32 | changeSet
//
// A change set is an ordered list of table creations and deletions and
// is applied atomically during replay. Replay truncates the file after
// the last valid record, so a torn append heals on the next open.
const (
	manifestFilename        = "MANIFEST"
	manifestRewriteFilename = "MANIFEST-REWRITE"

	manifestExternalVersion uint16 = 1
	manifestInternalVersion uint16 = 8

	// Rewrite the manifest once this many deletions accumulate and
	// deletions dominate the live set.
	manifestDeletionsRewriteThreshold = 10000
	manifestDeletionsRatio            = 10
)

var manifestMagic = [4]byte{'B', 'd', 'g', 'r'}

var manifestCRCTable = crc32.MakeTable(crc32.Castagnoli)

const (
	manifestOpCreate byte = 0
	manifestOpDelete byte = 1
)

// manifestChange is one create or delete of a table.
type manifestChange struct {
	ID          uint64
	Op          byte
	Level       int
	KeyID       uint64
	Compression compression.Type
}

func newCreateChange(id uint64, level int, keyID uint64, c compression.Type) manifestChange {
	return manifestChange{ID: id, Op: manifestOpCreate, Level: level, KeyID: keyID, Compression: c}
}

func newDeleteChange(id uint64) manifestChange {
	return manifestChange{ID: id, Op: manifestOpDelete}
}

func encodeChangeSet(changes []manifestChange) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp[:], v)
		buf.Write(tmp[:n])
	}
	putUvarint(uint64(len(changes)))
	for _, c := range changes {
		buf.WriteByte(c.Op)
		putUvarint(c.ID)
		putUvarint(uint64(c.Level))
		putUvarint(c.KeyID)
		buf.WriteByte(byte(c.Compression))
	}
	return buf.Bytes()
}

func decodeChangeSet(data []byte) ([]manifestChange, error) {
	rd := bytes.NewReader(data)
	count, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, err
	}
	changes := make([]manifestChange, 0, count)
	for i := uint64(0); i < count; i++ {
		var c manifestChange
		if c.Op, err = rd.ReadByte(); err != nil {
			return nil, err
		}
		if c.ID, err = binary.ReadUvarint(rd); err != nil {
			return nil, err
		}
		lvl, err := binary.ReadUvarint(rd)
		if err != nil {
			return nil, err
		}
		c.Level = int(lvl)
		if c.KeyID, err = binary.ReadUvarint(rd); err != nil {
			return nil, err
		}
		comp, err := rd.ReadByte()
		if err != nil {
			return nil, err
		}
		c.Compression = compression.Type(comp)
		changes = append(changes, c)
	}
	return changes, nil
}

// tableManifest is the manifest's view of one live table.
type tableManifest struct {
	Level       uint8
	KeyID       uint64
	Compression compression.Type
}

// levelManifest tracks the table ids on one level.
type levelManifest struct {
	Tables map[uint64]struct{}
}

// Manifest is the replayed in-memory state.
type Manifest struct {
	Levels []levelManifest
	Tables map[uint64]tableManifest

	Creations int
	Deletions int
}

func createManifest() Manifest {
	return Manifest{Tables: make(map[uint64]tableManifest)}
}

func (m *Manifest) clone() Manifest {
	out := createManifest()
	out.Creations = m.Creations
	out.Deletions = m.Deletions
	for id, tm := range m.Tables {
		out.Tables[id] = tm
	}
	for _, lm := range m.Levels {
		nl := levelManifest{Tables: make(map[uint64]struct{})}
		for id := range lm.Tables {
			nl.Tables[id] = struct{}{}
		}
		out.Levels = append(out.Levels, nl)
	}
	return out
}

// asChanges flattens the live state into a creation-only change set
// for rewrites.
func (m *Manifest) asChanges() []manifestChange {
	changes := make([]manifestChange, 0, len(m.Tables))
	for id, tm := range m.Tables {
		changes = append(changes, newCreateChange(id, int(tm.Level), tm.KeyID, tm.Compression))
	}
	return changes
}

func applyChange(m *Manifest, c manifestChange) error {
	switch c.Op {
	case manifestOpCreate:
		if _, ok := m.Tables[c.ID]; ok {
			return fmt.Errorf("%w: table %d created twice", ErrCorruptManifest, c.ID)
		}
		m.Tables[c.ID] = tableManifest{
			Level:       uint8(c.Level),
			KeyID:       c.KeyID,
			Compression: c.Compression,
		}
		for len(m.Levels) <= c.Level {
			m.Levels = append(m.Levels, levelManifest{Tables: make(map[uint64]struct{})})
		}
		m.Levels[c.Level].Tables[c.ID] = struct{}{}
		m.Creations++
	case manifestOpDelete:
		tm, ok := m.Tables[c.ID]
		if !ok {
			return fmt.Errorf("%w: deleting unknown table %d", ErrCorruptManifest, c.ID)
		}
		delete(m.Levels[tm.Level].Tables, c.ID)
		delete(m.Tables, c.ID)
		m.Deletions++
	default:
		return fmt.Errorf("%w: unknown op %d", ErrCorruptManifest, c.Op)
	}
	return nil
}

func applyChangeSet(m *Manifest, changes []manifestChange) error {
	for _, c := range changes {
		if err := applyChange(m, c); err != nil {
			return err
		}
	}
	return nil
}

// manifestFile is the open manifest with its append handle.
type manifestFile struct {
	fp  *os.File
	dir string

	mu       sync.Mutex
	manifest Manifest
}

// openOrCreateManifest replays the manifest in dir, creating an empty
// one on first open.
func openOrCreateManifest(dir string) (*manifestFile, Manifest, error) {
	path := filepath.Join(dir, manifestFilename)
	fp, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if os.IsNotExist(err) {
		m := createManifest()
		mf, err := rewriteManifest(dir, &m)
		if err != nil {
			return nil, Manifest{}, err
		}
		return mf, m, nil
	}
	if err != nil {
		return nil, Manifest{}, err
	}

	manifest, truncOffset, err := replayManifest(fp)
	if err != nil {
		fp.Close()
		return nil, Manifest{}, err
	}
	// Heal a torn append.
	if err := fp.Truncate(truncOffset); err != nil {
		fp.Close()
		return nil, Manifest{}, err
	}
	if _, err := fp.Seek(0, io.SeekEnd); err != nil {
		fp.Close()
		return nil, Manifest{}, err
	}
	mf := &manifestFile{fp: fp, dir: dir, manifest: manifest.clone()}
	return mf, manifest, nil
}

// replayManifest reads and applies every valid record, returning the
// offset just past the last one.
func replayManifest(fp *os.File) (Manifest, int64, error) {
	r := bufio.NewReader(fp)

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Manifest{}, 0, fmt.Errorf("%w: too short", ErrBadMagic)
	}
	if !bytes.Equal(header[:4], manifestMagic[:]) {
		return Manifest{}, 0, ErrBadMagic
	}
	extVersion := binary.BigEndian.Uint16(header[4:6])
	version := binary.BigEndian.Uint16(header[6:8])
	if extVersion != manifestExternalVersion || version != manifestInternalVersion {
		return Manifest{}, 0, fmt.Errorf("%w: version %d/%d", ErrBadMagic, extVersion, version)
	}

	build := createManifest()
	offset := int64(len(header))
	for {
		var lenCrc [8]byte
		if _, err := io.ReadFull(r, lenCrc[:]); err != nil {
			break
		}
		length := binary.BigEndian.Uint32(lenCrc[0:4])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		if crc32.Checksum(payload, manifestCRCTable) != binary.BigEndian.Uint32(lenCrc[4:8]) {
			break
		}
		changes, err := decodeChangeSet(payload)
		if err != nil {
			break
		}
		if err := applyChangeSet(&build, changes); err != nil {
			return Manifest{}, 0, err
		}
		offset += 8 + int64(length)
	}
	return build, offset, nil
}

// rewriteManifest writes a fresh manifest holding only the live state
// and atomically swaps it in.
func rewriteManifest(dir string, m *Manifest) (*manifestFile, error) {
	rewritePath := filepath.Join(dir, manifestRewriteFilename)
	fp, err := os.OpenFile(rewritePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(manifestMagic[:])
	var v [4]byte
	binary.BigEndian.PutUint16(v[0:2], manifestExternalVersion)
	binary.BigEndian.PutUint16(v[2:4], manifestInternalVersion)
	buf.Write(v[:])

	changes := m.asChanges()
	payload := encodeChangeSet(changes)
	var lenCrc [8]byte
	binary.BigEndian.PutUint32(lenCrc[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(lenCrc[4:8], crc32.Checksum(payload, manifestCRCTable))
	buf.Write(lenCrc[:])
	buf.Write(payload)

	if _, err := fp.Write(buf.Bytes()); err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Sync(); err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, manifestFilename)
	if err := os.Rename(rewritePath, path); err != nil {
		return nil, err
	}
	fp, err = os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	if _, err := fp.Seek(0, io.SeekEnd); err != nil {
		fp.Close()
		return nil, err
	}
	if err := mmap.SyncDir(dir); err != nil {
		fp.Close()
		return nil, err
	}

	clone := m.clone()
	clone.Creations = len(clone.Tables)
	clone.Deletions = 0
	return &manifestFile{fp: fp, dir: dir, manifest: clone}, nil
}

// addChanges appends one change set, fsyncs it and rewrites the whole
// manifest when deletions have piled up.
func (mf *manifestFile) addChanges(changes []manifestChange) error {
	payload := encodeChangeSet(changes)

	mf.mu.Lock()
	defer mf.mu.Unlock()

	if err := applyChangeSet(&mf.manifest, changes); err != nil {
		return err
	}

	if mf.manifest.Deletions > manifestDeletionsRewriteThreshold &&
		mf.manifest.Deletions > manifestDeletionsRatio*(mf.manifest.Creations-mf.manifest.Deletions) {
		if err := mf.rewriteLocked(); err != nil {
			return err
		}
		return nil
	}

	var lenCrc [8]byte
	binary.BigEndian.PutUint32(lenCrc[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(lenCrc[4:8], crc32.Checksum(payload, manifestCRCTable))
	if _, err := mf.fp.Write(append(lenCrc[:], payload...)); err != nil {
		return err
	}
	return mf.fp.Sync()
}

func (mf *manifestFile) rewriteLocked() error {
	if err := mf.fp.Close(); err != nil {
		return err
	}
	next, err := rewriteManifest(mf.dir, &mf.manifest)
	if err != nil {
		return err
	}
	mf.fp = next.fp
	mf.manifest = next.manifest
	return nil
}

func (mf *manifestFile) close() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.fp.Close()
}
