package loam

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
)

type uint64Heap []uint64

func (h uint64Heap) Len() int            { return len(h) }
func (h uint64Heap) Less(i, j int) bool  { return h[i] < h[j] }
func (h uint64Heap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *uint64Heap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *uint64Heap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// WaterMark tracks in-flight timestamps and exposes the highest
// timestamp below which everything has finished. The oracle runs two:
// one over reads (bounding cleanup and the discard timestamp) and one
// over commits (bounding snapshot visibility).
type WaterMark struct {
	name      string
	doneUntil atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]int
	heap    uint64Heap
	waiters map[uint64][]chan struct{}
}

func newWaterMark(name string) *WaterMark {
	w := &WaterMark{
		name:    name,
		pending: make(map[uint64]int),
		waiters: make(map[uint64][]chan struct{}),
	}
	heap.Init(&w.heap)
	return w
}

// Begin registers ts as in flight.
func (w *WaterMark) Begin(ts uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[ts]; !ok {
		heap.Push(&w.heap, ts)
	}
	w.pending[ts]++
}

// Done marks one Begin(ts) as finished and advances the mark over any
// fully finished prefix.
func (w *WaterMark) Done(ts uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[ts]--
	w.advance()
}

func (w *WaterMark) advance() {
	until := w.doneUntil.Load()
	for len(w.heap) > 0 {
		min := w.heap[0]
		if c := w.pending[min]; c > 0 {
			break
		}
		heap.Pop(&w.heap)
		delete(w.pending, min)
		until = min
	}
	if until == w.doneUntil.Load() {
		return
	}
	w.doneUntil.Store(until)
	for ts, chans := range w.waiters {
		if ts <= until {
			for _, ch := range chans {
				close(ch)
			}
			delete(w.waiters, ts)
		}
	}
}

// DoneUntil returns the highest timestamp with no earlier work
// outstanding.
func (w *WaterMark) DoneUntil() uint64 {
	return w.doneUntil.Load()
}

// SetDoneUntil force-advances the mark, used during recovery before
// any timestamps are in flight.
func (w *WaterMark) SetDoneUntil(ts uint64) {
	w.doneUntil.Store(ts)
}

// WaitForMark blocks until DoneUntil reaches ts or ctx ends.
func (w *WaterMark) WaitForMark(ctx context.Context, ts uint64) error {
	if w.doneUntil.Load() >= ts {
		return nil
	}
	w.mu.Lock()
	if w.doneUntil.Load() >= ts {
		w.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	w.waiters[ts] = append(w.waiters[ts], ch)
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
