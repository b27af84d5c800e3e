package eventloop

import (
	"container/heap"
	"sync"
	"time"
)

// queue is the single shared priority queue all workers draw from.
//
// Heap order is (priority desc, runAt asc, id asc). Every operation
// mutates, so a single mutex guards the heap; the lock is never held
// across task execution.
type queue struct {
	mu sync.Mutex
	h  taskHeap
}

func newQueue() *queue {
	q := &queue{}
	heap.Init(&q.h)
	return q
}

func (q *queue) push(t *task) {
	q.mu.Lock()
	heap.Push(&q.h, t)
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	n := q.h.Len()
	q.mu.Unlock()
	return n
}

// popReady pops up to max candidates off the heap. Eligible active tasks
// are returned as the execution batch; not-yet-eligible tasks are pushed
// back unchanged; inactive (cancelled) tasks are returned separately for
// the caller to reclaim. The bounded batch keeps one not-ready
// high-priority head from hiding newer ready work indefinitely.
func (q *queue) popReady(now time.Time, max int) (ready, cancelled []*task) {
	if max <= 0 {
		max = 1
	}
	q.mu.Lock()
	var back []*task
	for len(ready)+len(back)+len(cancelled) < max && q.h.Len() > 0 {
		t := heap.Pop(&q.h).(*task)
		switch {
		case !t.active.Load():
			cancelled = append(cancelled, t)
		case !t.runAt.After(now):
			ready = append(ready, t)
		default:
			back = append(back, t)
		}
	}
	for _, t := range back {
		heap.Push(&q.h, t)
	}
	q.mu.Unlock()
	return ready, cancelled
}

// earliest returns the soonest runAt across all queued active tasks.
// O(n) scan; used only to shape idle poll timeouts.
func (q *queue) earliest() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best time.Time
	found := false
	for _, t := range q.h {
		if !t.active.Load() {
			continue
		}
		if !found || t.runAt.Before(best) {
			best = t.runAt
			found = true
		}
	}
	return best, found
}

// adjustPriority updates the priority of a queued task and re-heapifies.
// Linear scan; callers treat this as a rare administrative action.
// Returns false when the id is not queued or the task is already
// cancelled; adjustment never resurrects a cancelled task.
func (q *queue) adjustPriority(id uint64, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.h {
		if t.id != id {
			continue
		}
		if !t.active.Load() {
			return false
		}
		t.priority = priority
		heap.Fix(&q.h, i)
		return true
	}
	return false
}

// cancel clears the active flag of a queued task. The node stays in the
// heap until a worker observes it inactive at dequeue.
func (q *queue) cancel(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.h {
		if t.id == id {
			wasActive := t.active.Swap(false)
			return wasActive
		}
	}
	return false
}

// drain empties the queue, returning every remaining task.
func (q *queue) drain() []*task {
	q.mu.Lock()
	out := make([]*task, 0, q.h.Len())
	for q.h.Len() > 0 {
		out = append(out, heap.Pop(&q.h).(*task))
	}
	q.mu.Unlock()
	return out
}

// taskHeap implements heap.Interface as a max-heap on
// (priority, -runAt, -id).
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.runAt.Equal(b.runAt) {
		return a.runAt.Before(b.runAt)
	}
	return a.id < b.id
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
