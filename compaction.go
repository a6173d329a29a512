package loam

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/loamdb/loam/keys"
	"github.com/loamdb/loam/table"
)

// keyRange is an inclusive range of encoded keys. The infinite range
// covers everything and overlaps everything, used by L0 compactions
// that take a whole level.
type keyRange struct {
	left  []byte
	right []byte
	inf   bool
}

var infRange = keyRange{inf: true}

func (r keyRange) isEmpty() bool {
	return len(r.left) == 0 && len(r.right) == 0 && !r.inf
}

func (r keyRange) String() string {
	return fmt.Sprintf("[left=%x, right=%x, inf=%v]", r.left, r.right, r.inf)
}

func (r keyRange) equals(dst keyRange) bool {
	return bytes.Equal(r.left, dst.left) && bytes.Equal(r.right, dst.right) && r.inf == dst.inf
}

func (r *keyRange) extend(kr keyRange) {
	if kr.isEmpty() {
		return
	}
	if r.isEmpty() {
		*r = kr
		return
	}
	if len(r.left) == 0 || keys.CompareKeys(kr.left, r.left) < 0 {
		r.left = kr.left
	}
	if len(r.right) == 0 || keys.CompareKeys(kr.right, r.right) > 0 {
		r.right = kr.right
	}
	if kr.inf {
		r.inf = true
	}
}

func (r keyRange) overlapsWith(dst keyRange) bool {
	// Empty keyRange always overlaps.
	if r.isEmpty() {
		return true
	}
	// Empty dst doesn't overlap with anything.
	if dst.isEmpty() {
		return false
	}
	if r.inf || dst.inf {
		return true
	}
	if keys.CompareKeys(r.left, dst.right) > 0 {
		return false
	}
	if keys.CompareKeys(r.right, dst.left) < 0 {
		return false
	}
	return true
}

// getKeyRange bounds a set of tables. The left edge carries the max
// timestamp and the right edge timestamp zero so every version of the
// boundary user keys falls inside the range.
func getKeyRange(tables ...*table.Table) keyRange {
	if len(tables) == 0 {
		return keyRange{}
	}
	smallest := tables[0].Smallest()
	biggest := tables[0].Biggest()
	for _, t := range tables[1:] {
		if keys.CompareKeys(t.Smallest(), smallest) < 0 {
			smallest = t.Smallest()
		}
		if keys.CompareKeys(t.Biggest(), biggest) > 0 {
			biggest = t.Biggest()
		}
	}
	return keyRange{
		left:  keys.KeyWithTs(keys.ParseKey(smallest), keys.MaxTimestamp),
		right: keys.KeyWithTs(keys.ParseKey(biggest), 0),
	}
}

// levelCompactStatus tracks the reserved ranges on one level.
type levelCompactStatus struct {
	ranges  []keyRange
	delSize int64
}

func (lcs *levelCompactStatus) overlapsWith(dst keyRange) bool {
	for _, r := range lcs.ranges {
		if r.overlapsWith(dst) {
			return true
		}
	}
	return false
}

func (lcs *levelCompactStatus) remove(dst keyRange) bool {
	final := lcs.ranges[:0]
	found := false
	for _, r := range lcs.ranges {
		if !r.equals(dst) {
			final = append(final, r)
		} else {
			found = true
		}
	}
	lcs.ranges = final
	return found
}

// compactStatus is the global registry of running compactions. It is
// what guarantees a table is never part of two compactions at once.
type compactStatus struct {
	sync.RWMutex
	levels []*levelCompactStatus
	tables map[uint64]struct{}
}

func newCompactStatus(maxLevels int) *compactStatus {
	cs := &compactStatus{tables: make(map[uint64]struct{})}
	for i := 0; i < maxLevels; i++ {
		cs.levels = append(cs.levels, &levelCompactStatus{})
	}
	return cs
}

func (cs *compactStatus) overlapsWith(level int, this keyRange) bool {
	cs.RLock()
	defer cs.RUnlock()
	return cs.levels[level].overlapsWith(this)
}

func (cs *compactStatus) delSize(l int) int64 {
	cs.RLock()
	defer cs.RUnlock()
	return cs.levels[l].delSize
}

// compareAndAdd atomically checks that cd's ranges and tables are
// unclaimed and reserves them. It is the only admission gate into a
// compaction.
func (cs *compactStatus) compareAndAdd(cd *compactDef) bool {
	cs.Lock()
	defer cs.Unlock()

	thisLevel := cs.levels[cd.thisLevel.level]
	nextLevel := cs.levels[cd.nextLevel.level]

	if thisLevel.overlapsWith(cd.thisRange) {
		return false
	}
	if nextLevel.overlapsWith(cd.nextRange) {
		return false
	}
	for _, t := range cd.allTables() {
		if _, ok := cs.tables[t.ID()]; ok {
			return false
		}
	}

	thisLevel.ranges = append(thisLevel.ranges, cd.thisRange)
	nextLevel.ranges = append(nextLevel.ranges, cd.nextRange)
	thisLevel.delSize += cd.thisSize
	for _, t := range cd.allTables() {
		cs.tables[t.ID()] = struct{}{}
	}
	return true
}

// delete releases cd's reservations.
func (cs *compactStatus) delete(cd *compactDef) {
	cs.Lock()
	defer cs.Unlock()

	thisLevel := cs.levels[cd.thisLevel.level]
	nextLevel := cs.levels[cd.nextLevel.level]

	thisLevel.delSize -= cd.thisSize
	found := thisLevel.remove(cd.thisRange)
	if cd.thisLevel != cd.nextLevel && !cd.nextRange.isEmpty() {
		found = nextLevel.remove(cd.nextRange) && found
	}
	if !found {
		panic(fmt.Sprintf("compactStatus.delete: range not found: %s", cd.thisRange))
	}
	for _, t := range cd.allTables() {
		if _, ok := cs.tables[t.ID()]; !ok {
			panic(fmt.Sprintf("compactStatus.delete: table %d not reserved", t.ID()))
		}
		delete(cs.tables, t.ID())
	}
}

// isCompacting reports whether any of the tables are reserved.
func (cs *compactStatus) isCompacting(tables ...*table.Table) bool {
	cs.RLock()
	defer cs.RUnlock()
	for _, t := range tables {
		if _, ok := cs.tables[t.ID()]; ok {
			return true
		}
	}
	return false
}

// targets holds the computed size goals for every level.
type targets struct {
	baseLevel int
	targetSz  []int64
	fileSz    []int64
}

// compactionPriority names a level wanting compaction and how badly.
type compactionPriority struct {
	level    int
	score    float64
	adjusted float64
	t        targets
}

// compactDef is one admitted compaction: tables moving from thisLevel
// into nextLevel across the reserved ranges.
type compactDef struct {
	compactorID int
	t           targets
	p           compactionPriority

	thisLevel *levelHandler
	nextLevel *levelHandler

	top []*table.Table
	bot []*table.Table

	thisRange keyRange
	nextRange keyRange
	splits    []keyRange

	thisSize int64
}

func (cd *compactDef) allTables() []*table.Table {
	out := make([]*table.Table, 0, len(cd.top)+len(cd.bot))
	out = append(out, cd.top...)
	out = append(out, cd.bot...)
	return out
}
