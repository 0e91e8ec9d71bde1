package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func drainDeadline(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPoolRunsAllSubmittedTasks(t *testing.T) {
	p := New(2, 10)
	var ran atomic.Int32

	for i := 0; i < 6; i++ {
		if !p.Submit(func() { ran.Add(1) }) {
			t.Fatalf("Submit %d rejected", i)
		}
	}
	p.Shutdown(drainDeadline(t))

	if got := ran.Load(); got != 6 {
		t.Fatalf("ran = %d, want 6", got)
	}
}

func TestSubmitAfterStopReturnsFalse(t *testing.T) {
	p := New(1, 4)
	p.StopAccepting()
	if p.Submit(func() {}) {
		t.Fatal("Submit accepted after StopAccepting")
	}
	p.Shutdown(drainDeadline(t))
	if p.Submit(func() {}) {
		t.Fatal("Submit accepted after Shutdown")
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	p := New(1, 1)
	release := make(chan struct{})

	// Occupy the single worker, then fill the single queue slot.
	p.Submit(func() { <-release })
	time.Sleep(10 * time.Millisecond)
	p.Submit(func() {})

	if p.Submit(func() {}) {
		t.Fatal("Submit accepted with worker busy and queue full")
	}

	close(release)
	p.Shutdown(drainDeadline(t))
}

func TestDrainStopsIntakeItself(t *testing.T) {
	p := New(1, 4)
	p.Submit(func() {})
	p.Drain(drainDeadline(t))

	if p.Submit(func() {}) {
		t.Fatal("Submit accepted after Drain")
	}
}

func TestContextCancelledOnceDrained(t *testing.T) {
	p := New(1, 4)
	p.Submit(func() {})

	if err := p.Context().Err(); err != nil {
		t.Fatalf("pool context cancelled before drain: %v", err)
	}
	p.Shutdown(drainDeadline(t))
	if p.Context().Err() == nil {
		t.Fatal("pool context still live after drain")
	}
}

func TestDrainGivesUpAtDeadline(t *testing.T) {
	p := New(1, 4)
	release := make(chan struct{})
	p.Submit(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	p.Shutdown(ctx)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Shutdown blocked %v past a 100ms deadline", elapsed)
	}
	close(release)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New(1, 4)
	var ran atomic.Int32

	p.Submit(func() { panic("boom") })
	p.Submit(func() { ran.Add(1) })
	p.Shutdown(drainDeadline(t))

	if got := ran.Load(); got != 1 {
		t.Fatalf("task after panic: ran = %d, want 1", got)
	}
}

func TestNewClampsBadSizes(t *testing.T) {
	p := New(0, -3)
	done := make(chan struct{})

	if !p.Submit(func() { close(done) }) {
		t.Fatal("Submit rejected on clamped pool")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran on clamped pool")
	}
	p.Shutdown(drainDeadline(t))
}
