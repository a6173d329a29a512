package loam

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loamdb/loam/keys"
	"github.com/loamdb/loam/table"
)

// levelHandler owns the table list of one level. Level 0 holds tables
// in flush order and they may overlap; deeper levels are sorted by
// smallest key and are disjoint.
type levelHandler struct {
	sync.RWMutex

	level          int
	strLevel       string
	tables         []*table.Table
	totalSize      int64
	totalStaleSize int64

	db *DB
}

func newLevelHandler(db *DB, level int) *levelHandler {
	return &levelHandler{
		level:    level,
		strLevel: fmt.Sprintf("l%d", level),
		db:       db,
	}
}

func (s *levelHandler) isLastLevel() bool {
	return s.level == s.db.opt.MaxLevels-1
}

func (s *levelHandler) numTables() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.tables)
}

func (s *levelHandler) getTotalSize() int64 {
	s.RLock()
	defer s.RUnlock()
	return s.totalSize
}

func (s *levelHandler) getTotalStaleSize() int64 {
	s.RLock()
	defer s.RUnlock()
	return s.totalStaleSize
}

// initTables installs the recovered tables and fixes the sort order.
func (s *levelHandler) initTables(tables []*table.Table) {
	s.Lock()
	defer s.Unlock()

	s.tables = tables
	s.totalSize = 0
	s.totalStaleSize = 0
	for _, t := range tables {
		s.totalSize += t.Size()
		s.totalStaleSize += int64(t.StaleDataSize())
	}
	if s.level == 0 {
		// Flush order, oldest first. File ids are monotonic.
		sort.Slice(s.tables, func(i, j int) bool {
			return s.tables[i].ID() < s.tables[j].ID()
		})
	} else {
		sort.Slice(s.tables, func(i, j int) bool {
			return keys.CompareKeys(s.tables[i].Smallest(), s.tables[j].Smallest()) < 0
		})
	}
}

// addTable appends a freshly flushed table to L0.
func (s *levelHandler) addTable(t *table.Table) {
	s.Lock()
	defer s.Unlock()
	s.totalSize += t.Size()
	s.totalStaleSize += int64(t.StaleDataSize())
	s.tables = append(s.tables, t)
}

// deleteTables removes the given tables, used when a compaction only
// consumed this level.
func (s *levelHandler) deleteTables(toDel []*table.Table) {
	s.Lock()

	toDelMap := make(map[uint64]struct{}, len(toDel))
	for _, t := range toDel {
		toDelMap[t.ID()] = struct{}{}
	}
	var out []*table.Table
	for _, t := range s.tables {
		if _, ok := toDelMap[t.ID()]; ok {
			s.totalSize -= t.Size()
			s.totalStaleSize -= int64(t.StaleDataSize())
			continue
		}
		out = append(out, t)
	}
	s.tables = out
	s.Unlock()

	for _, t := range toDel {
		t.MarkForDeletion()
		t.DecrRef()
	}
}

// replaceTables swaps toDel for toAdd in one critical section, keeping
// the level sorted.
func (s *levelHandler) replaceTables(toDel, toAdd []*table.Table) {
	s.Lock()

	toDelMap := make(map[uint64]struct{}, len(toDel))
	for _, t := range toDel {
		toDelMap[t.ID()] = struct{}{}
	}
	var out []*table.Table
	for _, t := range s.tables {
		if _, ok := toDelMap[t.ID()]; ok {
			s.totalSize -= t.Size()
			s.totalStaleSize -= int64(t.StaleDataSize())
			continue
		}
		out = append(out, t)
	}
	for _, t := range toAdd {
		s.totalSize += t.Size()
		s.totalStaleSize += int64(t.StaleDataSize())
		t.IncrRef()
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return keys.CompareKeys(out[i].Smallest(), out[j].Smallest()) < 0
	})
	s.tables = out
	s.Unlock()

	for _, t := range toDel {
		t.MarkForDeletion()
		t.DecrRef()
	}
}

// overlappingTables returns the half-open index range [left, right) of
// tables intersecting kr. Only meaningful for sorted levels.
func (s *levelHandler) overlappingTables(kr keyRange) (int, int) {
	if len(kr.left) == 0 || len(kr.right) == 0 {
		return 0, 0
	}
	left := sort.Search(len(s.tables), func(i int) bool {
		return keys.CompareKeys(kr.left, s.tables[i].Biggest()) <= 0
	})
	right := sort.Search(len(s.tables), func(i int) bool {
		return keys.CompareKeys(kr.right, s.tables[i].Smallest()) < 0
	})
	return left, right
}

// getTableForKey returns the tables that may hold key, newest first,
// with references taken.
func (s *levelHandler) getTablesForKey(key []byte) []*table.Table {
	s.RLock()
	defer s.RUnlock()

	if s.level == 0 {
		// Every L0 table can hold the key; newest last in s.tables.
		out := make([]*table.Table, 0, len(s.tables))
		for i := len(s.tables) - 1; i >= 0; i-- {
			t := s.tables[i]
			t.IncrRef()
			out = append(out, t)
		}
		return out
	}
	idx := sort.Search(len(s.tables), func(i int) bool {
		return keys.CompareKeys(s.tables[i].Biggest(), key) >= 0
	})
	if idx >= len(s.tables) {
		return nil
	}
	t := s.tables[idx]
	t.IncrRef()
	return []*table.Table{t}
}

// get searches the level for the newest version at or below the
// timestamp in key.
func (s *levelHandler) get(key []byte) (keys.ValueStruct, error) {
	tables := s.getTablesForKey(key)
	defer func() {
		for _, t := range tables {
			t.DecrRef()
		}
	}()

	hash := table.KeyHash(keys.ParseKey(key))
	var maxVs keys.ValueStruct
	for _, t := range tables {
		if t.DoesNotHave(hash) {
			continue
		}
		it := t.NewIterator(false)
		it.Seek(key)
		if it.Valid() && keys.SameKey(key, it.Key()) {
			if version := keys.ParseTs(it.Key()); maxVs.Version < version {
				maxVs = it.Value()
			}
		}
		if err := it.Close(); err != nil {
			return keys.ValueStruct{}, err
		}
	}
	return maxVs, nil
}

// getTables snapshots the level's tables with references taken.
func (s *levelHandler) getTables() []*table.Table {
	s.RLock()
	defer s.RUnlock()
	out := make([]*table.Table, len(s.tables))
	copy(out, s.tables)
	for _, t := range out {
		t.IncrRef()
	}
	return out
}

// iterators returns the level's contribution to a merged view:
// per-table iterators newest-first for L0, one concat iterator for
// sorted levels.
func (s *levelHandler) iterators(reversed bool) []keys.Iterator {
	s.RLock()
	defer s.RUnlock()

	if len(s.tables) == 0 {
		return nil
	}
	if s.level == 0 {
		out := make([]keys.Iterator, 0, len(s.tables))
		for i := len(s.tables) - 1; i >= 0; i-- {
			out = append(out, s.tables[i].NewIterator(reversed))
		}
		return out
	}
	return []keys.Iterator{table.NewConcatIterator(s.tables, reversed)}
}
