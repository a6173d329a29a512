package loam

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/loamdb/loam/crypt"
	"github.com/loamdb/loam/keys"
	"github.com/loamdb/loam/logfile"
)

const vlogFileSuffix = ".vlog"

// valueLog stores large values in append-only segments, leaving
// fixed-size pointers in the LSM tree. Segments roll over before a
// batch that would cross the size target; a record never spans two
// segments.
type valueLog struct {
	opt    *Options
	cipher *crypt.Cipher

	mu       sync.RWMutex
	filesMap map[uint32]*logfile.LogFile
	maxFid   uint32

	numEntriesWritten uint32

	// discardBytes accumulates per-segment garbage reported by
	// compaction when it drops pointer entries.
	discardMu    sync.Mutex
	discardBytes map[uint32]int64
}

func vlogFilePath(dir string, fid uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", fid, vlogFileSuffix))
}

// openValueLog maps every existing segment and opens the newest one
// for appending, truncating any corrupt tail.
func openValueLog(opt *Options, cipher *crypt.Cipher) (*valueLog, error) {
	vl := &valueLog{
		opt:          opt,
		cipher:       cipher,
		filesMap:     make(map[uint32]*logfile.LogFile),
		discardBytes: make(map[uint32]int64),
	}

	entries, err := os.ReadDir(opt.Dir)
	if err != nil {
		return nil, err
	}
	var fids []int
	for _, ent := range entries {
		name := ent.Name()
		if filepath.Ext(name) != vlogFileSuffix {
			continue
		}
		var fid int
		if _, err := fmt.Sscanf(name, "%06d"+vlogFileSuffix, &fid); err != nil {
			continue
		}
		fids = append(fids, fid)
	}
	sort.Ints(fids)

	for _, fid := range fids {
		lf, err := logfile.Open(vlogFilePath(opt.Dir, uint32(fid)), uint32(fid), 0, cipher)
		if err != nil {
			return nil, fmt.Errorf("open vlog %d: %w", fid, err)
		}
		vl.filesMap[uint32(fid)] = lf
		if uint32(fid) > vl.maxFid {
			vl.maxFid = uint32(fid)
		}
	}

	if len(fids) == 0 {
		if _, err := vl.createSegment(); err != nil {
			return nil, err
		}
	} else {
		// Reposition the active segment's cursor after the last valid
		// entry so appends continue from there.
		active := vl.filesMap[vl.maxFid]
		end, err := active.Iterate(0, func(*logfile.Entry, keys.ValuePointer) error { return nil })
		if err != nil {
			return nil, err
		}
		active.SetWriteOffset(end)
	}
	return vl, nil
}

// createSegment rolls the log to a fresh file. Callers hold vl.mu.
func (vl *valueLog) createSegment() (*logfile.LogFile, error) {
	fid := vl.maxFid + 1
	lf, err := logfile.Open(vlogFilePath(vl.opt.Dir, fid), fid, vl.opt.ValueLogFileSize, vl.cipher)
	if err != nil {
		return nil, fmt.Errorf("create vlog %d: %w", fid, err)
	}
	vl.filesMap[fid] = lf
	vl.maxFid = fid
	vl.numEntriesWritten = 0
	return lf, nil
}

func (vl *valueLog) active() *logfile.LogFile {
	return vl.filesMap[vl.maxFid]
}

// estimateSize is the encoded footprint of e in a segment.
func estimateEntrySize(e *logfile.Entry) int64 {
	return int64(logfile.MaxEntryHeaderSize + len(e.Key) + len(e.Value) + 4)
}

// write appends a batch of entries to the value log and returns their
// pointers in order. The whole batch lands in one segment: when it
// would cross the segment target the log rolls first, and a batch that
// can never fit is rejected.
func (vl *valueLog) write(entries []*logfile.Entry) ([]keys.ValuePointer, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var batchSize int64
	for _, e := range entries {
		batchSize += estimateEntrySize(e)
	}
	if batchSize+logfile.HeaderSize > vl.opt.ValueLogFileSize {
		return nil, fmt.Errorf("%w: batch of %d bytes, segment limit %d",
			ErrBatchTooBig, batchSize, vl.opt.ValueLogFileSize)
	}

	vl.mu.Lock()
	defer vl.mu.Unlock()

	active := vl.active()
	if int64(active.WriteOffset())+batchSize > vl.opt.ValueLogFileSize ||
		vl.numEntriesWritten+uint32(len(entries)) > vl.opt.ValueLogMaxEntries {
		if err := active.DoneWriting(); err != nil {
			return nil, err
		}
		next, err := vl.createSegment()
		if err != nil {
			return nil, err
		}
		active = next
	}

	pointers := make([]keys.ValuePointer, 0, len(entries))
	for _, e := range entries {
		vp, err := active.WriteEntry(e)
		if err != nil {
			return nil, err
		}
		pointers = append(pointers, vp)
	}
	vl.numEntriesWritten += uint32(len(entries))
	return pointers, nil
}

// read resolves a pointer to its value bytes.
func (vl *valueLog) read(vp keys.ValuePointer) ([]byte, error) {
	vl.mu.RLock()
	lf, ok := vl.filesMap[vp.Fid]
	vl.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("value log segment %d not found", vp.Fid)
	}
	e, err := lf.Read(vp)
	if err != nil {
		return nil, fmt.Errorf("vlog %d: %w", vp.Fid, err)
	}
	return e.Value, nil
}

// sync flushes the active segment.
func (vl *valueLog) sync() error {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	return vl.active().Sync()
}

// recordDiscard notes garbage bytes in a segment after compaction
// dropped pointers into it.
func (vl *valueLog) recordDiscard(fid uint32, bytes int64) {
	vl.discardMu.Lock()
	vl.discardBytes[fid] += bytes
	vl.discardMu.Unlock()
}

// maxDiscardSegment returns the non-active segment carrying the most
// recorded garbage, for a future rewrite pass.
func (vl *valueLog) maxDiscardSegment() (uint32, int64) {
	vl.discardMu.Lock()
	defer vl.discardMu.Unlock()
	var bestFid uint32
	var bestBytes int64
	for fid, n := range vl.discardBytes {
		if fid != vl.maxFid && n > bestBytes {
			bestFid, bestBytes = fid, n
		}
	}
	return bestFid, bestBytes
}

func (vl *valueLog) close() error {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	var firstErr error
	for fid, lf := range vl.filesMap {
		err := lf.Close(fid == vl.maxFid)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
