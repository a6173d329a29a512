package loam

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/loamdb/loam/keys"
	"github.com/loamdb/loam/logfile"
	"github.com/loamdb/loam/skl"
)

const memFileSuffix = ".mem"

// memTable pairs a skiplist with its write-ahead log. Entries hit the
// log first, the skiplist second; replaying the log rebuilds the list
// exactly.
type memTable struct {
	sl         *skl.Skiplist
	wal        *logfile.LogFile
	fid        uint32
	maxVersion uint64
	opt        *Options
}

func (db *DB) memFilePath(fid uint32) string {
	return filepath.Join(db.opt.Dir, fmt.Sprintf("%06d%s", fid, memFileSuffix))
}

// openMemTable opens or creates the memtable backed by fid's log.
func (db *DB) openMemTable(fid uint32) (*memTable, error) {
	path := db.memFilePath(fid)
	wal, err := logfile.Open(path, fid, 2*db.opt.MemTableSize, db.cipher)
	if err != nil {
		return nil, fmt.Errorf("open memtable %d: %w", fid, err)
	}
	mt := &memTable{
		sl:  skl.New(db.opt.arenaSize()),
		wal: wal,
		fid: fid,
		opt: &db.opt,
	}
	mt.sl.OnClose(func() {
		if err := wal.Delete(); err != nil {
			db.opt.Logger.Error("delete memtable log", "fid", fid, "error", err)
		}
	})
	if err := mt.replay(); err != nil {
		return nil, fmt.Errorf("replay memtable %d: %w", fid, err)
	}
	return mt, nil
}

// replay rebuilds the skiplist from the log and repositions the write
// cursor past the last valid entry, truncating any corrupt tail.
func (mt *memTable) replay() error {
	end, err := mt.wal.Iterate(0, func(e *logfile.Entry, _ keys.ValuePointer) error {
		if ts := keys.ParseTs(e.Key); ts > mt.maxVersion {
			mt.maxVersion = ts
		}
		mt.sl.Put(e.Key, keys.ValueStruct{
			Meta:      e.Meta,
			UserMeta:  e.UserMeta,
			ExpiresAt: e.ExpiresAt,
			Value:     e.Value,
		})
		return nil
	})
	if err != nil {
		return err
	}
	mt.wal.SetWriteOffset(end)
	return nil
}

// Put logs the entry and inserts it into the skiplist.
func (mt *memTable) Put(key []byte, vs keys.ValueStruct) error {
	if _, err := mt.wal.WriteEntry(&logfile.Entry{
		Key:       key,
		Value:     vs.Value,
		ExpiresAt: vs.ExpiresAt,
		Meta:      vs.Meta,
		UserMeta:  vs.UserMeta,
	}); err != nil {
		return fmt.Errorf("memtable wal append: %w", err)
	}
	mt.sl.Put(key, vs)
	if ts := keys.ParseTs(key); ts > mt.maxVersion {
		mt.maxVersion = ts
	}
	return nil
}

func (mt *memTable) syncWAL() error {
	return mt.wal.Sync()
}

// isFull reports whether the arena passed the rotation point.
func (mt *memTable) isFull() bool {
	return mt.sl.MemSize() >= mt.opt.MemTableSize
}

// decrRef releases the memtable. The WAL file is removed when the
// last reference (flusher or iterator) drops.
func (mt *memTable) decrRef() {
	mt.sl.DecrRef()
}

// close releases without deleting the log, used on shutdown so the
// next open can replay it.
func (mt *memTable) close() error {
	mt.sl.OnClose(nil)
	mt.sl.DecrRef()
	return mt.wal.Close(true)
}

// openMemTables finds all .mem files and replays them oldest first.
// The returned slice excludes the new active memtable, which the
// caller creates with nextMemFid.
func (db *DB) openMemTables() ([]*memTable, uint32, error) {
	entries, err := os.ReadDir(db.opt.Dir)
	if err != nil {
		return nil, 0, err
	}
	var fids []int
	for _, ent := range entries {
		name := ent.Name()
		if filepath.Ext(name) != memFileSuffix {
			continue
		}
		var fid int
		if _, err := fmt.Sscanf(name, "%06d"+memFileSuffix, &fid); err != nil {
			continue
		}
		fids = append(fids, fid)
	}
	sort.Ints(fids)

	var mts []*memTable
	var maxFid uint32
	for _, fid := range fids {
		mt, err := db.openMemTable(uint32(fid))
		if err != nil {
			return nil, 0, err
		}
		if uint32(fid) > maxFid {
			maxFid = uint32(fid)
		}
		if mt.sl.Empty() {
			mt.decrRef()
			continue
		}
		mts = append(mts, mt)
	}
	return mts, maxFid, nil
}

// memIterator adapts a skiplist iterator to the shared iterator
// contract, including reverse traversal.
type memIterator struct {
	it       *skl.Iterator
	reversed bool
}

func (mt *memTable) newIterator(reversed bool) *memIterator {
	return &memIterator{it: mt.sl.NewIterator(), reversed: reversed}
}

func (mi *memIterator) Next() {
	if mi.reversed {
		mi.it.Prev()
	} else {
		mi.it.Next()
	}
}

func (mi *memIterator) Rewind() {
	if mi.reversed {
		mi.it.SeekToLast()
	} else {
		mi.it.SeekToFirst()
	}
}

func (mi *memIterator) Seek(key []byte) {
	if mi.reversed {
		mi.it.SeekForPrev(key)
	} else {
		mi.it.Seek(key)
	}
}

func (mi *memIterator) Key() []byte { return mi.it.Key() }

func (mi *memIterator) Value() keys.ValueStruct {
	v := mi.it.Value()
	v.Version = keys.ParseTs(mi.it.Key())
	return v
}

func (mi *memIterator) Valid() bool { return mi.it.Valid() }

func (mi *memIterator) Close() error {
	mi.it.Close()
	return nil
}
