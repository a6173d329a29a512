package loam

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loamdb/loam/keys"
	"github.com/loamdb/loam/table"
)

// levelsController owns the table tree below the memtables and drives
// compaction.
type levelsController struct {
	db     *DB
	levels []*levelHandler
	cs     *compactStatus

	nextFileID atomic.Uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// newLevelsController rebuilds the tree from the replayed manifest.
// Table files the manifest does not know about are leftovers from a
// crashed compaction and are removed. A table that fails its checksum
// or magic check is logged and left out of the tree; any other open
// failure aborts the whole open.
func newLevelsController(db *DB, mf *Manifest) (*levelsController, error) {
	lc := &levelsController{
		db:   db,
		cs:   newCompactStatus(db.opt.MaxLevels),
		stop: make(chan struct{}),
	}
	for i := 0; i < db.opt.MaxLevels; i++ {
		lc.levels = append(lc.levels, newLevelHandler(db, i))
	}

	if err := revertToManifest(db.opt.Dir, mf); err != nil {
		return nil, err
	}

	var maxFileID uint64
	perLevel := make([][]*table.Table, db.opt.MaxLevels)
	for id, tm := range mf.Tables {
		if id > maxFileID {
			maxFileID = id
		}
		opts := db.tableOptions()
		opts.Compression = tm.Compression
		if tm.KeyID != 0 && tm.KeyID != db.cipher.KeyID() {
			lc.cleanupLevelTables(perLevel)
			return nil, fmt.Errorf("table %06d: %w: file uses key %d", id, ErrEncryptionKeyMismatch, tm.KeyID)
		}
		if tm.KeyID == 0 {
			opts.Cipher = nil
		}
		t, err := table.OpenTable(table.Filename(db.opt.Dir, id), opts)
		if err != nil {
			// A corrupt table is dropped from the tree; anything else,
			// like a missing file, means the directory is damaged and
			// opening must not pretend the data is gone.
			if errors.Is(err, table.ErrChecksumMismatch) || errors.Is(err, table.ErrBadMagic) {
				db.opt.Logger.Error("skipping corrupt table", "id", id, "level", tm.Level, "err", err)
				continue
			}
			lc.cleanupLevelTables(perLevel)
			return nil, fmt.Errorf("open table %06d: %w", id, err)
		}
		perLevel[tm.Level] = append(perLevel[tm.Level], t)
	}
	for i, tables := range perLevel {
		lc.levels[i].initTables(tables)
	}
	lc.nextFileID.Store(maxFileID + 1)

	if err := lc.validate(); err != nil {
		lc.cleanupLevels()
		return nil, err
	}
	return lc, nil
}

// cleanupLevelTables releases tables opened before a startup failure.
func (lc *levelsController) cleanupLevelTables(perLevel [][]*table.Table) {
	for _, tables := range perLevel {
		for _, t := range tables {
			_ = t.DecrRef()
		}
	}
}

// revertToManifest deletes .sst files the manifest does not list.
func revertToManifest(dir string, mf *Manifest) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, table.FileSuffix) {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(name, "%d"+table.FileSuffix, &id); err != nil {
			continue
		}
		if _, ok := mf.Tables[id]; !ok {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("remove orphan table %s: %w", name, err)
			}
		}
	}
	return nil
}

// validate checks the sorted levels for ordering and overlap damage.
func (lc *levelsController) validate() error {
	for _, l := range lc.levels {
		if l.level == 0 {
			continue
		}
		l.RLock()
		for i := 1; i < len(l.tables); i++ {
			prev, cur := l.tables[i-1], l.tables[i]
			if keys.CompareKeys(prev.Biggest(), cur.Smallest()) >= 0 {
				l.RUnlock()
				return fmt.Errorf("level %d: tables %d and %d overlap", l.level, prev.ID(), cur.ID())
			}
		}
		l.RUnlock()
	}
	return nil
}

func (lc *levelsController) reserveFileID() uint64 {
	return lc.nextFileID.Add(1) - 1
}

func (lc *levelsController) lastLevel() *levelHandler {
	return lc.levels[len(lc.levels)-1]
}

// maxVersion is the highest commit timestamp persisted in any table.
func (lc *levelsController) maxVersion() uint64 {
	var max uint64
	for _, l := range lc.levels {
		l.RLock()
		for _, t := range l.tables {
			if v := t.MaxVersion(); v > max {
				max = v
			}
		}
		l.RUnlock()
	}
	return max
}

// get searches levels top down and returns the newest version visible
// at the timestamp encoded in key.
func (lc *levelsController) get(key []byte) (keys.ValueStruct, error) {
	var maxVs keys.ValueStruct
	for _, l := range lc.levels {
		vs, err := l.get(key)
		if err != nil {
			return keys.ValueStruct{}, fmt.Errorf("level %d: %w", l.level, err)
		}
		if vs.Version > maxVs.Version {
			maxVs = vs
		}
	}
	return maxVs, nil
}

// appendIterators collects every level's iterators, newest source
// first. Tables referenced by the iterators hold a reference until
// the iterators close.
func (lc *levelsController) appendIterators(iters []keys.Iterator, reversed bool) []keys.Iterator {
	for _, l := range lc.levels {
		iters = append(iters, l.iterators(reversed)...)
	}
	return iters
}

// addLevel0Table records a flushed memtable in the manifest and then
// exposes it at L0.
func (lc *levelsController) addLevel0Table(t *table.Table) error {
	err := lc.db.manifest.addChanges([]manifestChange{
		newCreateChange(t.ID(), 0, t.KeyID(), t.CompressionType()),
	})
	if err != nil {
		return err
	}
	lc.levels[0].addTable(t)
	return nil
}

func (lc *levelsController) isL0Stalled() bool {
	return lc.levels[0].numTables() >= lc.db.opt.NumLevelZeroTablesStall
}

func (lc *levelsController) cleanupLevels() {
	for _, l := range lc.levels {
		l.Lock()
		for _, t := range l.tables {
			_ = t.DecrRef()
		}
		l.tables = nil
		l.Unlock()
	}
}

// startCompactions launches the compaction workers.
func (lc *levelsController) startCompactions() {
	for i := 0; i < lc.db.opt.NumCompactors; i++ {
		lc.wg.Add(1)
		go lc.runCompactor(i)
	}
}

// close stops the workers and releases every table.
func (lc *levelsController) close() {
	close(lc.stop)
	lc.wg.Wait()
	lc.cleanupLevels()
}

// runCompactor polls for work. Worker 0 favors L0 and is the only one
// allowed to run intra-L0 compactions.
func (lc *levelsController) runCompactor(id int) {
	defer lc.wg.Done()

	// Stagger startup so workers don't fight over the same pick.
	select {
	case <-time.After(time.Duration(rand.Intn(1000)) * time.Millisecond):
	case <-lc.stop:
		return
	}

	moveL0toFront := func(prios []compactionPriority) []compactionPriority {
		idx := -1
		for i, p := range prios {
			if p.level == 0 {
				idx = i
			}
		}
		if idx > 0 {
			out := append([]compactionPriority{}, prios[idx])
			out = append(out, prios[:idx]...)
			return append(out, prios[idx+1:]...)
		}
		return prios
	}

	runOnce := func() bool {
		prios := lc.pickCompactLevels()
		if id == 0 {
			prios = moveL0toFront(prios)
		}
		for _, p := range prios {
			if id == 0 && p.level == 0 {
				// Worker 0 always takes L0 work.
			} else if p.adjusted < 1.0 {
				break
			}
			err := lc.doCompact(id, p)
			switch {
			case err == nil:
				return true
			case err == errFillTables:
				// Another worker claimed the tables, try the next pick.
			default:
				lc.db.opt.Logger.Warn("compaction failed", "compactor", id, "level", p.level, "err", err)
			}
		}
		return false
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runOnce()
		case <-lc.stop:
			return
		}
	}
}

// levelTargets sizes every level from the bottom up. The last level
// holds the data's natural size; each level above targets a fraction
// of it, and the base level is the first one small enough to accept
// L0 flushes.
func (lc *levelsController) levelTargets() targets {
	adjust := func(sz int64) int64 {
		if sz < lc.db.opt.BaseLevelSize {
			return lc.db.opt.BaseLevelSize
		}
		return sz
	}

	t := targets{
		targetSz: make([]int64, len(lc.levels)),
		fileSz:   make([]int64, len(lc.levels)),
	}
	dbSize := lc.lastLevel().getTotalSize()
	for i := len(lc.levels) - 1; i > 0; i-- {
		target := adjust(dbSize)
		t.targetSz[i] = target
		if t.baseLevel == 0 && target <= lc.db.opt.BaseLevelSize {
			t.baseLevel = i
		}
		dbSize /= int64(lc.db.opt.LevelSizeMultiplier)
	}

	tsz := lc.db.opt.BaseTableSize
	for i := 0; i < len(lc.levels); i++ {
		switch {
		case i == 0:
			t.fileSz[i] = lc.db.opt.MemTableSize
		case i <= t.baseLevel:
			t.fileSz[i] = tsz
		default:
			tsz *= int64(lc.db.opt.TableSizeMultiplier)
			t.fileSz[i] = tsz
		}
	}

	// Move the base level down past empty levels.
	for i := t.baseLevel + 1; i < len(lc.levels)-1; i++ {
		if lc.levels[i].getTotalSize() > 0 {
			break
		}
		t.baseLevel = i
	}

	// If the base level is empty and the one below is underfull, the
	// lower level can take flushes directly.
	b := t.baseLevel
	if b < len(lc.levels)-1 && lc.levels[b].getTotalSize() == 0 &&
		lc.levels[b+1].getTotalSize() < t.targetSz[b+1] {
		t.baseLevel = b + 1
	}
	return t
}

// pickCompactLevels scores every level against its target. Scores are
// then adjusted so an oversized lower level throttles the levels
// feeding into it.
func (lc *levelsController) pickCompactLevels() []compactionPriority {
	t := lc.levelTargets()

	var prios []compactionPriority
	addPriority := func(level int, score float64) {
		prios = append(prios, compactionPriority{
			level:    level,
			score:    score,
			adjusted: score,
			t:        t,
		})
	}

	addPriority(0, float64(lc.levels[0].numTables())/float64(lc.db.opt.NumLevelZeroTables))
	for i := 1; i < len(lc.levels); i++ {
		// Reserved tables are already on their way down.
		sz := lc.levels[i].getTotalSize() - lc.cs.delSize(i)
		addPriority(i, float64(sz)/float64(t.targetSz[i]))
	}

	var prevLevel int
	for level := t.baseLevel; level < len(lc.levels); level++ {
		if prios[prevLevel].adjusted >= 1 {
			const minScore = 0.01
			if prios[level].score >= minScore {
				prios[prevLevel].adjusted /= prios[level].adjusted
			} else {
				prios[prevLevel].adjusted /= minScore
			}
		}
		prevLevel = level
	}

	out := prios[:0]
	for _, p := range prios {
		if p.score >= 1.0 {
			out = append(out, p)
		}
	}
	prios = out
	sort.Slice(prios, func(i, j int) bool {
		return prios[i].adjusted > prios[j].adjusted
	})
	return prios
}

// doCompact runs one compaction for the given priority. Level 0
// compacts into the base level; other levels into the next one, and
// the last level into itself to shed stale data.
func (lc *levelsController) doCompact(id int, p compactionPriority) error {
	l := p.level
	if p.t.baseLevel == 0 {
		p.t = lc.levelTargets()
	}

	cd := compactDef{
		compactorID: id,
		p:           p,
		t:           p.t,
		thisLevel:   lc.levels[l],
	}
	if l == 0 {
		cd.nextLevel = lc.levels[p.t.baseLevel]
		if !lc.fillTablesL0(&cd) {
			return errFillTables
		}
	} else {
		cd.nextLevel = cd.thisLevel
		if !cd.thisLevel.isLastLevel() {
			cd.nextLevel = lc.levels[l+1]
		}
		if !lc.fillTables(&cd) {
			return errFillTables
		}
	}
	defer lc.cs.delete(&cd)

	if err := lc.runCompactDef(id, l, &cd); err != nil {
		return err
	}
	return nil
}

func (cd *compactDef) lockLevels() {
	cd.thisLevel.RLock()
	if cd.nextLevel != cd.thisLevel {
		cd.nextLevel.RLock()
	}
}

func (cd *compactDef) unlockLevels() {
	if cd.nextLevel != cd.thisLevel {
		cd.nextLevel.RUnlock()
	}
	cd.thisLevel.RUnlock()
}

func (lc *levelsController) fillTablesL0(cd *compactDef) bool {
	if lc.fillTablesL0ToLbase(cd) {
		return true
	}
	return lc.fillTablesL0ToL0(cd)
}

// fillTablesL0ToLbase takes the longest prefix of L0 whose ranges
// chain together and pushes it into the base level.
func (lc *levelsController) fillTablesL0ToLbase(cd *compactDef) bool {
	if cd.nextLevel.level == 0 {
		panic("base level can't be L0")
	}
	// A mildly scored L0 is better served by an intra-L0 merge.
	if cd.p.adjusted > 0.0 && cd.p.adjusted < 1.0 {
		return false
	}
	cd.lockLevels()
	defer cd.unlockLevels()

	top := cd.thisLevel.tables
	if len(top) == 0 {
		return false
	}
	var out []*table.Table
	var kr keyRange
	for _, t := range top {
		dkr := getKeyRange(t)
		if !kr.overlapsWith(dkr) {
			break
		}
		out = append(out, t)
		kr.extend(dkr)
	}
	cd.thisRange = getKeyRange(out...)
	cd.top = out

	left, right := cd.nextLevel.overlappingTables(cd.thisRange)
	cd.bot = make([]*table.Table, right-left)
	copy(cd.bot, cd.nextLevel.tables[left:right])
	if len(cd.bot) == 0 {
		cd.nextRange = cd.thisRange
	} else {
		cd.nextRange = getKeyRange(cd.bot...)
	}
	return lc.cs.compareAndAdd(cd)
}

// fillTablesL0ToL0 merges small old L0 tables with each other. Only
// worker 0 runs it, so the tables are reserved directly under the
// status lock instead of range checks.
func (lc *levelsController) fillTablesL0ToL0(cd *compactDef) bool {
	if cd.compactorID != 0 {
		return false
	}
	cd.nextLevel = lc.levels[0]
	cd.nextRange = keyRange{}
	cd.bot = nil

	lc.levels[0].RLock()
	defer lc.levels[0].RUnlock()
	lc.cs.Lock()
	defer lc.cs.Unlock()

	now := time.Now()
	var out []*table.Table
	for _, t := range cd.thisLevel.tables {
		if t.Size() >= 2*cd.t.fileSz[0] {
			// Big enough already, wait for L0 to Lbase.
			continue
		}
		if now.Sub(t.CreatedAt()) < 10*time.Second {
			continue
		}
		if _, taken := lc.cs.tables[t.ID()]; taken {
			continue
		}
		out = append(out, t)
	}
	if len(out) < 4 {
		return false
	}
	cd.thisRange = infRange
	cd.top = out

	lc.cs.levels[0].ranges = append(lc.cs.levels[0].ranges, infRange)
	for _, t := range out {
		lc.cs.tables[t.ID()] = struct{}{}
	}
	// Merge everything into one table regardless of targets.
	cd.t.fileSz[0] = math.MaxUint32
	return true
}

// sortByHeuristic orders candidates oldest data first.
func (lc *levelsController) sortByHeuristic(tables []*table.Table) {
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].MaxVersion() < tables[j].MaxVersion()
	})
}

func (lc *levelsController) fillTables(cd *compactDef) bool {
	cd.lockLevels()
	defer cd.unlockLevels()

	tables := make([]*table.Table, len(cd.thisLevel.tables))
	copy(tables, cd.thisLevel.tables)
	if len(tables) == 0 {
		return false
	}
	if cd.thisLevel.isLastLevel() {
		return lc.fillMaxLevelTables(tables, cd)
	}
	lc.sortByHeuristic(tables)

	for _, t := range tables {
		cd.thisSize = t.Size()
		cd.thisRange = getKeyRange(t)
		if lc.cs.overlapsWith(cd.thisLevel.level, cd.thisRange) {
			continue
		}
		cd.top = []*table.Table{t}
		left, right := cd.nextLevel.overlappingTables(cd.thisRange)
		cd.bot = make([]*table.Table, right-left)
		copy(cd.bot, cd.nextLevel.tables[left:right])

		if len(cd.bot) == 0 {
			cd.nextRange = cd.thisRange
		} else {
			cd.nextRange = getKeyRange(cd.bot...)
			if lc.cs.overlapsWith(cd.nextLevel.level, cd.nextRange) {
				continue
			}
		}
		if lc.cs.compareAndAdd(cd) {
			return true
		}
	}
	return false
}

// fillMaxLevelTables rewrites last-level tables carrying enough stale
// data, greedily absorbing neighbors up to the level's file size so
// the rewrite also defragments.
func (lc *levelsController) fillMaxLevelTables(tables []*table.Table, cd *compactDef) bool {
	sorted := make([]*table.Table, len(tables))
	copy(sorted, tables)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StaleDataSize() > sorted[j].StaleDataSize()
	})
	if len(sorted) > 0 && sorted[0].StaleDataSize() == 0 {
		return false
	}

	cd.bot = nil
	collectBotTables := func(t *table.Table, needSz int64) {
		totalSize := t.Size()
		j := sort.Search(len(tables), func(i int) bool {
			return keys.CompareKeys(tables[i].Smallest(), t.Smallest()) >= 0
		})
		for j++; j < len(tables); j++ {
			newT := tables[j]
			totalSize += newT.Size()
			if totalSize >= needSz {
				break
			}
			cd.bot = append(cd.bot, newT)
			cd.nextRange.extend(getKeyRange(newT))
		}
	}

	discardTs := lc.db.orc.discardAtOrBelow()
	now := time.Now()
	for _, t := range sorted {
		if now.Sub(t.CreatedAt()) < time.Hour {
			continue
		}
		if t.StaleDataSize() < 10<<20 {
			continue
		}
		// A live version above discardTs keeps the whole table.
		if t.MaxVersion() > discardTs {
			continue
		}
		cd.thisSize = t.Size()
		cd.thisRange = getKeyRange(t)
		if lc.cs.overlapsWith(cd.thisLevel.level, cd.thisRange) {
			continue
		}
		cd.nextRange = cd.thisRange
		cd.top = []*table.Table{t}

		needSz := cd.t.fileSz[cd.thisLevel.level]
		if t.Size() >= needSz {
			// Large table, rewrite it alone.
			break
		}
		collectBotTables(t, needSz)
		if !lc.cs.compareAndAdd(cd) {
			cd.bot = nil
			cd.nextRange = keyRange{}
			cd.top = nil
			continue
		}
		return true
	}
	if len(cd.top) == 0 {
		return false
	}
	return lc.cs.compareAndAdd(cd)
}

// runCompactDef builds the replacement tables, records them in the
// manifest and swaps them into the tree.
func (lc *levelsController) runCompactDef(id, l int, cd *compactDef) error {
	start := time.Now()
	thisLevel := cd.thisLevel
	nextLevel := cd.nextLevel

	if thisLevel != nextLevel {
		lc.addSplits(cd)
	}
	if len(cd.splits) == 0 {
		cd.splits = append(cd.splits, keyRange{})
	}

	newTables, decr, err := lc.compactBuildTables(l, cd)
	if err != nil {
		return err
	}
	defer func() {
		if derr := decr(); derr != nil {
			lc.db.opt.Logger.Warn("compaction table release", "err", derr)
		}
	}()

	if err := lc.db.manifest.addChanges(buildChangeSet(cd, newTables)); err != nil {
		return err
	}

	// Install in the lower level before removing from the upper one,
	// so every key stays visible throughout.
	nextLevel.replaceTables(cd.bot, newTables)
	thisLevel.deleteTables(cd.top)

	lc.db.opt.Logger.Debug("compaction done",
		"compactor", id,
		"from", thisLevel.strLevel, "to", nextLevel.strLevel,
		"in", len(cd.top)+len(cd.bot), "out", len(newTables),
		"took", time.Since(start).Round(time.Millisecond))
	return nil
}

// addSplits partitions the merge into key ranges so sub-compactions
// can build output tables in parallel.
func (lc *levelsController) addSplits(cd *compactDef) {
	cd.splits = cd.splits[:0]

	width := int(math.Ceil(float64(len(cd.bot)) / 5.0))
	if width < 3 {
		width = 3
	}
	skr := cd.thisRange
	skr.extend(cd.nextRange)

	addRange := func(right []byte) {
		skr.right = right
		cd.splits = append(cd.splits, skr)
		skr.left = skr.right
	}
	for i, t := range cd.bot {
		if i == len(cd.bot)-1 {
			addRange([]byte{})
			return
		}
		if i%width == width-1 {
			addRange(keys.KeyWithTs(keys.ParseKey(t.Biggest()), 0))
		}
	}
}

// checkOverlap reports whether any table in the set overlaps a level
// at or below lev. Tombstones can only be dropped when nothing under
// the compaction still holds older versions.
func (lc *levelsController) checkOverlap(tables []*table.Table, lev int) bool {
	kr := getKeyRange(tables...)
	for i := lev; i < len(lc.levels); i++ {
		l := lc.levels[i]
		l.RLock()
		left, right := l.overlappingTables(kr)
		l.RUnlock()
		if right-left > 0 {
			return true
		}
	}
	return false
}

// compactBuildTables merges cd's inputs into new tables, one
// sub-compaction per split.
func (lc *levelsController) compactBuildTables(lev int, cd *compactDef) ([]*table.Table, func() error, error) {
	newIterator := func() []keys.Iterator {
		var iters []keys.Iterator
		switch {
		case lev == 0:
			for i := len(cd.top) - 1; i >= 0; i-- {
				iters = append(iters, cd.top[i].NewIterator(false))
			}
		case len(cd.top) > 0:
			iters = []keys.Iterator{cd.top[0].NewIterator(false)}
		}
		return append(iters, table.NewConcatIterator(cd.bot, false))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		jobErr error
	)
	out := make([][]*table.Table, len(cd.splits))
	for i, kr := range cd.splits {
		wg.Add(1)
		go func(i int, kr keyRange) {
			defer wg.Done()
			it := table.NewMergeIterator(newIterator(), false)
			defer it.Close()
			tabs, err := lc.subcompact(it, kr, cd)
			mu.Lock()
			out[i] = tabs
			if err != nil && jobErr == nil {
				jobErr = err
			}
			mu.Unlock()
		}(i, kr)
	}
	wg.Wait()

	var newTables []*table.Table
	for _, tabs := range out {
		newTables = append(newTables, tabs...)
	}
	if jobErr != nil {
		for _, t := range newTables {
			t.MarkForDeletion()
			_ = t.DecrRef()
		}
		return nil, nil, fmt.Errorf("compaction sub-task: %w", jobErr)
	}

	sort.Slice(newTables, func(i, j int) bool {
		return keys.CompareKeys(newTables[i].Biggest(), newTables[j].Biggest()) < 0
	})
	decr := func() error {
		var err error
		for _, t := range newTables {
			if derr := t.DecrRef(); derr != nil && err == nil {
				err = derr
			}
		}
		return err
	}
	return newTables, decr, nil
}

// subcompact runs the merge for one key range, deciding per version
// what survives. Versions at or below the discard watermark are
// trimmed to NumVersionsToKeep; deletes and expired entries vanish
// entirely once nothing below could still hold older versions.
func (lc *levelsController) subcompact(it keys.Iterator, kr keyRange, cd *compactDef) ([]*table.Table, error) {
	discardTs := lc.db.orc.discardAtOrBelow()
	hasOverlap := lc.checkOverlap(cd.allTables(), cd.nextLevel.level+1)

	discardStats := make(map[uint32]int64)
	updateDiscard := func(vs keys.ValueStruct) {
		if vs.Meta&keys.BitValuePointer == 0 {
			return
		}
		var vp keys.ValuePointer
		vp.Decode(vs.Value)
		discardStats[vp.Fid] += int64(vp.Len)
	}

	var (
		tables      []*table.Table
		lastKey     []byte
		skipKey     []byte
		numVersions int
	)

	addKeys := func(builder *table.Builder) {
		for ; it.Valid(); it.Next() {
			key := it.Key()
			vs := it.Value()

			if !keys.SameKey(key, lastKey) {
				if len(kr.right) > 0 && keys.CompareKeys(key, kr.right) >= 0 {
					break
				}
				if builder.ReachedCapacity() {
					break
				}
				lastKey = append(lastKey[:0], key...)
				numVersions = 0
			}

			if len(skipKey) > 0 {
				if keys.SameKey(key, skipKey) {
					updateDiscard(vs)
					continue
				}
				skipKey = skipKey[:0]
			}

			var vlogLen uint32
			if vs.Meta&keys.BitValuePointer != 0 {
				var vp keys.ValuePointer
				vp.Decode(vs.Value)
				vlogLen = vp.Len
			}

			version := keys.ParseTs(key)
			if version <= discardTs {
				isExpired := vs.IsDeletedOrExpired(uint64(time.Now().Unix()))
				lastValid := vs.Meta&keys.BitDiscardEarlierVersions != 0
				numVersions++

				if isExpired || lastValid || numVersions >= lc.db.opt.NumVersionsToKeep {
					// Everything older than this version is dead.
					skipKey = append(skipKey[:0], key...)
				}
				if isExpired {
					if !hasOverlap {
						updateDiscard(vs)
						continue
					}
					// An older version may exist below, keep the
					// tombstone but mark it stale.
					builder.AddStaleKey(key, vs, vlogLen)
					continue
				}
			}
			builder.Add(key, vs, vlogLen)
		}
	}

	if len(kr.left) > 0 {
		it.Seek(kr.left)
	} else {
		it.Rewind()
	}
	for it.Valid() {
		if len(kr.right) > 0 && keys.CompareKeys(it.Key(), kr.right) >= 0 {
			break
		}
		bopts := lc.db.tableOptions()
		bopts.TableSize = cd.t.fileSz[cd.nextLevel.level]
		builder := table.NewBuilder(bopts)
		addKeys(builder)
		if builder.Empty() {
			if _, err := builder.Finish(); err != nil {
				return tables, err
			}
			continue
		}
		t, err := table.CreateTable(table.Filename(lc.db.opt.Dir, lc.reserveFileID()), builder)
		if err != nil {
			return tables, err
		}
		tables = append(tables, t)
	}

	for fid, bytes := range discardStats {
		lc.db.vlog.recordDiscard(fid, bytes)
	}
	return tables, nil
}

// buildChangeSet describes a finished compaction for the manifest.
func buildChangeSet(cd *compactDef, newTables []*table.Table) []manifestChange {
	changes := make([]manifestChange, 0, len(newTables)+len(cd.top)+len(cd.bot))
	for _, t := range newTables {
		changes = append(changes, newCreateChange(t.ID(), cd.nextLevel.level, t.KeyID(), t.CompressionType()))
	}
	for _, t := range cd.top {
		changes = append(changes, newDeleteChange(t.ID()))
	}
	for _, t := range cd.bot {
		changes = append(changes, newDeleteChange(t.ID()))
	}
	return changes
}
