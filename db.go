package loam

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loamdb/loam/crypt"
	"github.com/loamdb/loam/keys"
	"github.com/loamdb/loam/logfile"
	"github.com/loamdb/loam/mmap"
	"github.com/loamdb/loam/table"
)

// DB is an embedded, transactional key-value store backed by a
// log-structured merge tree with a separate value log for large
// values.
type DB struct {
	opt Options

	dirLock    *directoryLock
	cipher     *crypt.Cipher
	blockCache table.Cache

	// mu guards the memtable list. The active memtable is mt; imm
	// holds rotated memtables waiting for flush, oldest first.
	mu  sync.RWMutex
	mt  *memTable
	imm []*memTable

	nextMemFid uint32

	// writeMu serializes committed batches into the WAL, the value
	// log and the active memtable.
	writeMu sync.Mutex

	orc      *oracle
	lc       *levelsController
	vlog     *valueLog
	manifest *manifestFile

	flushChan chan *memTable
	flushWg   sync.WaitGroup

	blockWrites atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
}

// Open creates or loads the database in opt.Dir. The directory is
// locked for the lifetime of the handle; a second Open of the same
// directory fails with ErrDBAlreadyOpen.
func Open(opt Options) (*DB, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opt.Dir, 0o777); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dirLock, err := acquireDirectoryLock(opt.Dir)
	if err != nil {
		return nil, err
	}

	db := &DB{
		opt:       opt,
		dirLock:   dirLock,
		orc:       newOracle(opt.DetectConflicts),
		flushChan: make(chan *memTable, opt.NumMemtables),
	}
	success := false
	defer func() {
		if !success {
			_ = dirLock.release()
		}
	}()

	if len(opt.EncryptionKey) > 0 {
		db.cipher, err = crypt.New(opt.EncryptionKeyID, opt.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}
	db.blockCache = table.NewCache(opt.BlockCacheSize)

	mf, manifest, err := openOrCreateManifest(opt.Dir)
	if err != nil {
		return nil, err
	}
	db.manifest = mf

	defer func() {
		if success {
			return
		}
		if db.vlog != nil {
			_ = db.vlog.close()
		}
		if db.lc != nil {
			db.lc.cleanupLevels()
		}
		_ = mf.close()
	}()

	if db.lc, err = newLevelsController(db, &manifest); err != nil {
		return nil, err
	}
	if db.vlog, err = openValueLog(&db.opt, db.cipher); err != nil {
		return nil, err
	}

	imm, maxMemFid, err := db.openMemTables()
	if err != nil {
		return nil, err
	}
	db.imm = imm
	db.nextMemFid = maxMemFid + 1
	if db.mt, err = db.openMemTable(db.nextMemFid); err != nil {
		return nil, err
	}
	db.nextMemFid++

	maxVersion := db.lc.maxVersion()
	for _, mt := range append([]*memTable{db.mt}, db.imm...) {
		if mt.maxVersion > maxVersion {
			maxVersion = mt.maxVersion
		}
	}
	db.orc.init(maxVersion)

	db.flushWg.Add(1)
	go db.runFlusher()
	// Replayed memtables still need to reach L0.
	for _, mt := range db.imm {
		db.flushChan <- mt
	}

	db.lc.startCompactions()

	db.opt.Logger.Info("database opened",
		"dir", opt.Dir,
		"maxVersion", maxVersion,
		"memtables", len(db.imm)+1,
		"encrypted", db.cipher != nil)
	success = true
	return db, nil
}

func (db *DB) isClosed() bool {
	return db.closed.Load()
}

// Close flushes the active memtable, stops background work and
// releases every resource. The handle is unusable afterwards.
func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		err = db.close()
	})
	return err
}

func (db *DB) close() error {
	db.blockWrites.Store(true)
	// Drain any in-flight commit before declaring the handle closed.
	db.writeMu.Lock()
	db.closed.Store(true)
	db.writeMu.Unlock()

	db.mu.Lock()
	mt := db.mt
	db.mt = nil
	if mt.sl.Empty() {
		mt.decrRef()
	} else {
		db.imm = append(db.imm, mt)
		db.mu.Unlock()
		db.flushChan <- mt
		db.mu.Lock()
	}
	db.mu.Unlock()
	close(db.flushChan)
	db.flushWg.Wait()

	db.lc.close()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(db.vlog.close())
	keep(db.manifest.close())
	db.blockCache.Close()
	keep(mmap.SyncDir(db.opt.Dir))
	keep(db.dirLock.release())

	db.opt.Logger.Info("database closed", "dir", db.opt.Dir)
	return firstErr
}

// Sync forces the WAL and value log to stable storage, regardless of
// the SyncWrites setting.
func (db *DB) Sync() error {
	if db.isClosed() {
		return ErrDBClosed
	}
	db.mu.RLock()
	mt := db.mt
	db.mu.RUnlock()
	if err := mt.syncWAL(); err != nil {
		return err
	}
	return db.vlog.sync()
}

// SetDiscardTs tells compaction that no reader will ever request a
// version at or below ts, letting it drop history more aggressively.
func (db *DB) SetDiscardTs(ts uint64) {
	db.orc.setDiscardTs(ts)
}

// MaxVersion is the highest committed timestamp.
func (db *DB) MaxVersion() uint64 {
	return db.orc.nextTs() - 1
}

func (db *DB) tableOptions() table.Options {
	return table.Options{
		BlockSize:          db.opt.BlockSize,
		TableSize:          db.opt.BaseTableSize,
		BloomFalsePositive: db.opt.BloomFalsePositive,
		Compression:        db.opt.Compression,
		Cipher:             db.cipher,
		Cache:              db.blockCache,
	}
}

// getMemTables snapshots the memtable stack, newest first, with
// references held until the returned release func runs.
func (db *DB) getMemTables() ([]*memTable, func()) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var tables []*memTable
	if db.mt != nil {
		db.mt.sl.IncrRef()
		tables = append(tables, db.mt)
	}
	for i := len(db.imm) - 1; i >= 0; i-- {
		mt := db.imm[i]
		mt.sl.IncrRef()
		tables = append(tables, mt)
	}
	return tables, func() {
		for _, mt := range tables {
			mt.sl.DecrRef()
		}
	}
}

// get returns the newest version at or below the timestamp encoded in
// seek, searching memtables before the tree.
func (db *DB) get(seek []byte) (keys.ValueStruct, error) {
	if db.isClosed() {
		return keys.ValueStruct{}, ErrDBClosed
	}
	tables, release := db.getMemTables()
	defer release()

	version := keys.ParseTs(seek)
	var maxVs keys.ValueStruct
	for _, mt := range tables {
		vs := mt.sl.Get(seek)
		if vs.Meta == 0 && vs.Value == nil {
			continue
		}
		// An exact timestamp hit can't be beaten by lower levels.
		if vs.Version == version {
			return vs, nil
		}
		if vs.Version > maxVs.Version {
			maxVs = vs
		}
	}
	vs, err := db.lc.get(seek)
	if err != nil {
		return keys.ValueStruct{}, err
	}
	if vs.Version > maxVs.Version {
		maxVs = vs
	}
	return maxVs, nil
}

// resolveValue materializes a read value, following the value-log
// pointer when the entry was stored out of line.
func (db *DB) resolveValue(vs *keys.ValueStruct) ([]byte, error) {
	if vs.Meta&keys.BitValuePointer == 0 {
		return append([]byte(nil), vs.Value...), nil
	}
	var vp keys.ValuePointer
	vp.Decode(vs.Value)
	return db.vlog.read(vp)
}

// writeEntries persists one committed batch: large values go to the
// value log first, then every key lands in the WAL and memtable at
// commitTs. The caller has already been assigned commitTs by the
// oracle.
func (db *DB) writeEntries(entries []*Entry, commitTs uint64) error {
	if db.blockWrites.Load() {
		return ErrBlockedWrites
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	// Values at or above the threshold move out of line.
	var vlogEntries []*logfile.Entry
	for _, e := range entries {
		if int64(len(e.Value)) >= db.opt.ValueThreshold {
			vlogEntries = append(vlogEntries, &logfile.Entry{
				Key:       keys.KeyWithTs(e.Key, commitTs),
				Value:     e.Value,
				ExpiresAt: e.ExpiresAt,
				Meta:      e.meta,
				UserMeta:  e.UserMeta,
			})
		}
	}
	pointers, err := db.vlog.write(vlogEntries)
	if err != nil {
		return err
	}

	if err := db.ensureRoomForWrite(); err != nil {
		return err
	}
	db.mu.RLock()
	mt := db.mt
	db.mu.RUnlock()

	var ptrIdx int
	for _, e := range entries {
		key := keys.KeyWithTs(e.Key, commitTs)
		vs := keys.ValueStruct{
			Meta:      e.meta,
			UserMeta:  e.UserMeta,
			ExpiresAt: e.ExpiresAt,
			Value:     e.Value,
		}
		if int64(len(e.Value)) >= db.opt.ValueThreshold {
			vs.Meta |= keys.BitValuePointer
			vs.Value = pointers[ptrIdx].Encode()
			ptrIdx++
		}
		if err := mt.Put(key, vs); err != nil {
			return err
		}
	}

	if db.opt.SyncWrites {
		if err := mt.syncWAL(); err != nil {
			return err
		}
		if len(vlogEntries) > 0 {
			if err := db.vlog.sync(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureRoomForWrite rotates a full active memtable, blocking while
// the flush queue is full or L0 has hit its stall limit.
func (db *DB) ensureRoomForWrite() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.mt.isFull() {
		return nil
	}

	stalled := false
	for len(db.imm) >= db.opt.NumMemtables || db.lc.isL0Stalled() {
		if !stalled {
			db.opt.Logger.Warn("writes stalled",
				"pendingFlushes", len(db.imm),
				"l0Tables", db.lc.levels[0].numTables())
			stalled = true
		}
		db.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		db.mu.Lock()
		if db.blockWrites.Load() {
			return ErrBlockedWrites
		}
	}
	if stalled {
		db.opt.Logger.Info("writes resumed")
	}

	mt, err := db.openMemTable(db.nextMemFid)
	if err != nil {
		// Keep accepting writes into the old memtable; the arena has
		// headroom for the batch that triggered the rotation.
		return fmt.Errorf("rotate memtable: %w", err)
	}
	db.nextMemFid++
	old := db.mt
	db.mt = mt
	db.imm = append(db.imm, old)
	db.flushChan <- old
	return nil
}

// runFlusher drains the flush queue, turning each memtable into an L0
// table. A failed flush is retried; losing the memtable would lose
// committed data.
func (db *DB) runFlusher() {
	defer db.flushWg.Done()
	for mt := range db.flushChan {
		for {
			err := db.flushMemTable(mt)
			if err == nil {
				break
			}
			db.opt.Logger.Error("memtable flush failed, retrying", "fid", mt.fid, "err", err)
			time.Sleep(time.Second)
		}
		db.mu.Lock()
		for i, m := range db.imm {
			if m == mt {
				db.imm = append(db.imm[:i], db.imm[i+1:]...)
				break
			}
		}
		db.mu.Unlock()
		mt.decrRef()
	}
}

// flushMemTable writes one memtable out as an L0 table and records it
// in the manifest. The WAL file disappears once the last reader of
// the skiplist lets go.
func (db *DB) flushMemTable(mt *memTable) error {
	if mt.sl.Empty() {
		return nil
	}
	bopts := db.tableOptions()
	bopts.TableSize = db.opt.MemTableSize
	builder := table.NewBuilder(bopts)

	it := mt.sl.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		vs := it.Value()
		var vlogLen uint32
		if vs.Meta&keys.BitValuePointer != 0 {
			var vp keys.ValuePointer
			vp.Decode(vs.Value)
			vlogLen = vp.Len
		}
		builder.Add(it.Key(), vs, vlogLen)
	}
	it.Close()

	t, err := table.CreateTable(table.Filename(db.opt.Dir, db.lc.reserveFileID()), builder)
	if err != nil {
		return err
	}
	if err := db.lc.addLevel0Table(t); err != nil {
		t.MarkForDeletion()
		_ = t.DecrRef()
		return err
	}
	db.opt.Logger.Debug("flushed memtable",
		"fid", mt.fid, "table", t.ID(), "keys", t.KeyCount(), "size", t.Size())
	return nil
}
