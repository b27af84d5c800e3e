package eventloop

import (
	"testing"
	"time"
)

func mkTask(id uint64, priority int, runAt time.Time) *task {
	t := &task{id: id, priority: priority, runAt: runAt}
	t.active.Store(true)
	return t
}

func TestQueueOrdering(t *testing.T) {
	t.Parallel()
	q := newQueue()
	now := time.Now()

	q.push(mkTask(1, 0, now))
	q.push(mkTask(2, 5, now))
	q.push(mkTask(3, -2, now))
	q.push(mkTask(4, 5, now.Add(-time.Second)))

	ready, cancelled := q.popReady(now, 16)
	if len(cancelled) != 0 {
		t.Fatalf("unexpected cancelled tasks: %d", len(cancelled))
	}
	got := make([]uint64, 0, len(ready))
	for _, tk := range ready {
		got = append(got, tk.id)
	}
	// priority desc, then earlier runAt first.
	want := []uint64{4, 2, 1, 3}
	if len(got) != len(want) {
		t.Fatalf("popped %d tasks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestQueueNotReadyPushedBack(t *testing.T) {
	t.Parallel()
	q := newQueue()
	now := time.Now()

	q.push(mkTask(1, 10, now.Add(time.Hour))) // high priority, far future
	q.push(mkTask(2, 0, now))

	ready, _ := q.popReady(now, 16)
	if len(ready) != 1 || ready[0].id != 2 {
		t.Fatalf("expected only task 2 ready, got %v", ready)
	}
	if q.len() != 1 {
		t.Fatalf("not-ready task should be back in the queue, len=%d", q.len())
	}
}

func TestQueueBatchBound(t *testing.T) {
	t.Parallel()
	q := newQueue()
	now := time.Now()
	for i := uint64(1); i <= 40; i++ {
		q.push(mkTask(i, 0, now))
	}
	ready, _ := q.popReady(now, 16)
	if len(ready) != 16 {
		t.Fatalf("batch = %d, want 16", len(ready))
	}
	if q.len() != 24 {
		t.Fatalf("remaining = %d, want 24", q.len())
	}
}

func TestQueueAdjustPriority(t *testing.T) {
	t.Parallel()
	q := newQueue()
	now := time.Now()
	q.push(mkTask(1, 0, now))
	q.push(mkTask(2, 1, now))

	if !q.adjustPriority(1, 9) {
		t.Fatal("adjustPriority on known id should return true")
	}
	if q.adjustPriority(99, 5) {
		t.Fatal("adjustPriority on unknown id should return false")
	}

	ready, _ := q.popReady(now, 16)
	if ready[0].id != 1 {
		t.Fatalf("adjusted task should pop first, got id %d", ready[0].id)
	}
}

func TestQueueCancelIsTerminal(t *testing.T) {
	t.Parallel()
	q := newQueue()
	now := time.Now()
	q.push(mkTask(7, 0, now))

	if !q.cancel(7) {
		t.Fatal("cancel on queued id should return true")
	}
	if q.cancel(7) {
		t.Fatal("second cancel should return false")
	}
	// A cancelled task must not be resurrected through priority adjustment.
	if q.adjustPriority(7, 100) {
		t.Fatal("adjustPriority must not resurrect a cancelled task")
	}

	ready, cancelled := q.popReady(now, 16)
	if len(ready) != 0 || len(cancelled) != 1 {
		t.Fatalf("ready=%d cancelled=%d, want 0/1", len(ready), len(cancelled))
	}
}

func TestQueueEarliest(t *testing.T) {
	t.Parallel()
	q := newQueue()
	now := time.Now()
	q.push(mkTask(1, 5, now.Add(time.Hour)))
	q.push(mkTask(2, 0, now.Add(time.Minute)))

	at, ok := q.earliest()
	if !ok || !at.Equal(now.Add(time.Minute)) {
		t.Fatalf("earliest = %v ok=%v", at, ok)
	}
}
