package loam

import (
	"context"
	"testing"
	"time"
)

func TestWaterMarkAdvance(t *testing.T) {
	w := newWaterMark("test")
	if got := w.DoneUntil(); got != 0 {
		t.Fatalf("fresh mark DoneUntil = %d, want 0", got)
	}

	w.Begin(1)
	w.Begin(2)
	w.Begin(3)

	// Finishing out of order must not advance past unfinished work.
	w.Done(2)
	if got := w.DoneUntil(); got != 0 {
		t.Errorf("after Done(2): DoneUntil = %d, want 0", got)
	}
	w.Done(1)
	if got := w.DoneUntil(); got != 2 {
		t.Errorf("after Done(1): DoneUntil = %d, want 2", got)
	}
	w.Done(3)
	if got := w.DoneUntil(); got != 3 {
		t.Errorf("after Done(3): DoneUntil = %d, want 3", got)
	}
}

func TestWaterMarkRepeatedTs(t *testing.T) {
	w := newWaterMark("test")
	w.Begin(5)
	w.Begin(5)
	w.Done(5)
	if got := w.DoneUntil(); got != 0 {
		t.Errorf("one of two pending done: DoneUntil = %d, want 0", got)
	}
	w.Done(5)
	if got := w.DoneUntil(); got != 5 {
		t.Errorf("both done: DoneUntil = %d, want 5", got)
	}
}

func TestWaterMarkWaitForMark(t *testing.T) {
	w := newWaterMark("test")
	w.Begin(1)

	done := make(chan error, 1)
	go func() {
		done <- w.WaitForMark(context.Background(), 1)
	}()

	select {
	case err := <-done:
		t.Fatalf("WaitForMark returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	w.Done(1)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForMark: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForMark did not unblock after Done")
	}
}

func TestWaterMarkWaitCancel(t *testing.T) {
	w := newWaterMark("test")
	w.Begin(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.WaitForMark(ctx, 1); err == nil {
		t.Fatal("WaitForMark should fail when the context ends")
	}
}

func TestWaterMarkSetDoneUntil(t *testing.T) {
	w := newWaterMark("test")
	w.SetDoneUntil(42)
	if got := w.DoneUntil(); got != 42 {
		t.Fatalf("DoneUntil = %d, want 42", got)
	}
	if err := w.WaitForMark(context.Background(), 40); err != nil {
		t.Fatalf("WaitForMark below mark: %v", err)
	}
}
