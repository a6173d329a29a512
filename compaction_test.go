package loam

import (
	"testing"

	"github.com/loamdb/loam/keys"
)

func kr(left, right string) keyRange {
	return keyRange{
		left:  keys.KeyWithTs([]byte(left), keys.MaxTimestamp),
		right: keys.KeyWithTs([]byte(right), 0),
	}
}

func TestKeyRangeOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b keyRange
		want bool
	}{
		{"disjoint", kr("a", "c"), kr("d", "f"), false},
		{"touching", kr("a", "c"), kr("c", "f"), true},
		{"nested", kr("a", "z"), kr("m", "n"), true},
		{"identical", kr("a", "c"), kr("a", "c"), true},
		{"inf left", infRange, kr("x", "y"), true},
		{"inf right", kr("x", "y"), infRange, true},
		{"empty right", kr("a", "c"), keyRange{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.overlapsWith(tc.b); got != tc.want {
				t.Errorf("%s.overlapsWith(%s) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}

	// An empty receiver overlaps everything: a fresh range must be
	// admitted against any reservation.
	if !(keyRange{}).overlapsWith(kr("a", "b")) {
		t.Error("empty receiver should overlap")
	}
}

func TestKeyRangeExtend(t *testing.T) {
	r := kr("d", "f")
	r.extend(kr("a", "b"))
	if keys.CompareKeys(r.left, keys.KeyWithTs([]byte("a"), keys.MaxTimestamp)) != 0 {
		t.Errorf("left edge not extended: %s", r)
	}
	r.extend(kr("x", "z"))
	if keys.CompareKeys(r.right, keys.KeyWithTs([]byte("z"), 0)) != 0 {
		t.Errorf("right edge not extended: %s", r)
	}

	var empty keyRange
	empty.extend(kr("g", "h"))
	if !empty.equals(kr("g", "h")) {
		t.Errorf("extending empty range should copy: %s", empty)
	}
}

func TestCompactStatusAdmission(t *testing.T) {
	db := &DB{opt: DefaultOptions(t.TempDir())}
	h1 := newLevelHandler(db, 1)
	h2 := newLevelHandler(db, 2)
	cs := newCompactStatus(db.opt.MaxLevels)

	cd1 := &compactDef{thisLevel: h1, nextLevel: h2, thisRange: kr("a", "m"), nextRange: kr("a", "m"), thisSize: 100}
	if !cs.compareAndAdd(cd1) {
		t.Fatal("first compaction should be admitted")
	}
	if got := cs.delSize(1); got != 100 {
		t.Errorf("delSize(1) = %d, want 100", got)
	}

	// Overlapping work on the same levels is refused.
	cd2 := &compactDef{thisLevel: h1, nextLevel: h2, thisRange: kr("d", "e"), nextRange: kr("d", "e")}
	if cs.compareAndAdd(cd2) {
		t.Fatal("overlapping compaction must be refused")
	}

	// Disjoint work runs in parallel.
	cd3 := &compactDef{thisLevel: h1, nextLevel: h2, thisRange: kr("q", "s"), nextRange: kr("q", "s")}
	if !cs.compareAndAdd(cd3) {
		t.Fatal("disjoint compaction should be admitted")
	}

	cs.delete(cd1)
	if got := cs.delSize(1); got != 0 {
		t.Errorf("delSize(1) after delete = %d, want 0", got)
	}
	if !cs.compareAndAdd(cd2) {
		t.Fatal("range freed by delete should be admitted")
	}
}

func TestLevelTargets(t *testing.T) {
	opt := DefaultOptions(t.TempDir())
	if err := opt.Validate(); err != nil {
		t.Fatal(err)
	}
	db := &DB{opt: opt}
	lc := &levelsController{db: db, cs: newCompactStatus(opt.MaxLevels)}
	for i := 0; i < opt.MaxLevels; i++ {
		lc.levels = append(lc.levels, newLevelHandler(db, i))
	}

	tg := lc.levelTargets()
	// Empty tree: every level target floors at BaseLevelSize and the
	// base level sits at the bottom.
	if tg.baseLevel != opt.MaxLevels-1 {
		t.Errorf("baseLevel = %d, want %d for an empty tree", tg.baseLevel, opt.MaxLevels-1)
	}
	for i := 1; i < opt.MaxLevels; i++ {
		if tg.targetSz[i] != opt.BaseLevelSize {
			t.Errorf("targetSz[%d] = %d, want %d", i, tg.targetSz[i], opt.BaseLevelSize)
		}
	}
	if tg.fileSz[0] != opt.MemTableSize {
		t.Errorf("fileSz[0] = %d, want memtable size %d", tg.fileSz[0], opt.MemTableSize)
	}

	// A populated last level pushes the base level up.
	lc.levels[opt.MaxLevels-1].totalSize = 100 * opt.BaseLevelSize
	tg = lc.levelTargets()
	if tg.baseLevel >= opt.MaxLevels-1 {
		t.Errorf("baseLevel = %d, want above the last level", tg.baseLevel)
	}
	if tg.targetSz[opt.MaxLevels-1] != 100*opt.BaseLevelSize {
		t.Errorf("last level target = %d, want its own size", tg.targetSz[opt.MaxLevels-1])
	}
}
