package loam

import (
	"context"
	"sync"
)

// committedTxn remembers the write fingerprints of one committed
// transaction for as long as an older read could still conflict.
type committedTxn struct {
	ts           uint64
	conflictKeys map[uint64]struct{}
}

// oracle hands out read and commit timestamps and performs the
// serializable-snapshot conflict check at commit time.
type oracle struct {
	detectConflicts bool

	mu            sync.Mutex
	nextTxnTs     uint64
	discardTs     uint64
	lastCleanupTs uint64
	committedTxns []committedTxn

	// readMark tracks open read timestamps. Its DoneUntil bounds both
	// committed-transaction cleanup and the compaction discard point.
	readMark *WaterMark

	// txnMark tracks commits in flight so reads wait until their
	// snapshot is fully persisted.
	txnMark *WaterMark
}

func newOracle(detectConflicts bool) *oracle {
	return &oracle{
		detectConflicts: detectConflicts,
		readMark:        newWaterMark("pending.reads"),
		txnMark:         newWaterMark("pending.commits"),
	}
}

// init seeds the timestamp counters from the recovered max version.
func (o *oracle) init(maxVersion uint64) {
	o.nextTxnTs = maxVersion + 1
	o.readMark.SetDoneUntil(maxVersion)
	o.txnMark.SetDoneUntil(maxVersion)
}

// readTs allocates a read timestamp and waits until every commit at or
// below it is visible.
func (o *oracle) readTs(ctx context.Context) (uint64, error) {
	o.mu.Lock()
	ts := o.nextTxnTs - 1
	o.readMark.Begin(ts)
	o.mu.Unlock()

	if err := o.txnMark.WaitForMark(ctx, ts); err != nil {
		return 0, err
	}
	return ts, nil
}

func (o *oracle) nextTs() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextTxnTs
}

// doneRead releases a read timestamp.
func (o *oracle) doneRead(readTs uint64) {
	o.readMark.Done(readTs)
}

// doneCommit marks a commit timestamp as fully applied.
func (o *oracle) doneCommit(commitTs uint64) {
	o.txnMark.Done(commitTs)
}

// hasConflict reports whether any transaction with a commit timestamp
// after txn's read snapshot wrote a key txn read. Callers hold o.mu.
func (o *oracle) hasConflict(txn *Txn) bool {
	if len(txn.reads) == 0 {
		return false
	}
	for _, committed := range o.committedTxns {
		if committed.ts <= txn.readTs {
			continue
		}
		for _, read := range txn.reads {
			if _, ok := committed.conflictKeys[read]; ok {
				return true
			}
		}
	}
	return false
}

// newCommitTs runs the conflict check and allocates a commit
// timestamp. It returns 0, true on conflict.
func (o *oracle) newCommitTs(txn *Txn) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.detectConflicts && o.hasConflict(txn) {
		return 0, true
	}

	o.doneReadLocked(txn)
	o.cleanupCommittedTxns()

	ts := o.nextTxnTs
	o.nextTxnTs++
	o.txnMark.Begin(ts)

	if o.detectConflicts {
		o.committedTxns = append(o.committedTxns, committedTxn{
			ts:           ts,
			conflictKeys: txn.conflictKeys,
		})
	}
	return ts, false
}

func (o *oracle) doneReadLocked(txn *Txn) {
	if !txn.readDone {
		txn.readDone = true
		o.readMark.Done(txn.readTs)
	}
}

// cleanupCommittedTxns drops fingerprints no open read can conflict
// with anymore. Callers hold o.mu.
func (o *oracle) cleanupCommittedTxns() {
	if !o.detectConflicts {
		return
	}
	maxReadTs := o.readMark.DoneUntil()
	if maxReadTs < o.lastCleanupTs {
		panic("cleanupCommittedTxns: read mark went backwards")
	}
	if maxReadTs == o.lastCleanupTs {
		return
	}
	o.lastCleanupTs = maxReadTs

	live := o.committedTxns[:0]
	for _, txn := range o.committedTxns {
		if txn.ts > maxReadTs {
			live = append(live, txn)
		}
	}
	o.committedTxns = live
}

// setDiscardTs pins an explicit compaction discard point.
func (o *oracle) setDiscardTs(ts uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.discardTs = ts
	o.cleanupCommittedTxns()
}

// discardAtOrBelow is the version below which compaction may drop
// superseded versions: nothing at or below it can still be read.
func (o *oracle) discardAtOrBelow() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.discardTs > 0 {
		return o.discardTs
	}
	return o.readMark.DoneUntil()
}
