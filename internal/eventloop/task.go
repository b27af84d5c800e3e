package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc is the payload of one schedulable unit of work.
//
// It runs on a shared worker, so it must be safe to call from any goroutine
// and should not block indefinitely (it would starve sibling tasks).
type TaskFunc func(ctx context.Context) error

type taskKind uint8

const (
	kindOneShot taskKind = iota
	kindPeriodic
	kindCron
)

// task is the internal record for one unit of work. Immutable after
// creation except for runAt (advanced on re-arm, only while the task is
// owned by a worker), priority (mutated under the queue lock), and active.
//
// Ownership invariant: a task is visible to exactly one of {queue, a
// worker's local batch} at any instant.
type task struct {
	id       uint64
	priority int
	runAt    time.Time
	kind     taskKind
	interval time.Duration // kindPeriodic
	sched    cron.Schedule // kindCron

	// active is cleared by cancellation and checked by a worker immediately
	// before execution. Cancelled tasks are reclaimed lazily at dequeue; the
	// heap is never searched on cancel.
	active atomic.Bool

	token  *CancelToken
	run    TaskFunc
	handle *Handle

	index int // heap position, maintained by taskHeap
}

func (t *task) resolve(err error) {
	if t.handle != nil {
		t.handle.resolve(err)
	}
}

// nextRun computes the re-arm time for periodic and cron tasks.
func (t *task) nextRun(now time.Time) (time.Time, bool) {
	switch t.kind {
	case kindPeriodic:
		return now.Add(t.interval), true
	case kindCron:
		next := t.sched.Next(now)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

// CancelToken is a shared flag checked once, immediately before a task
// runs. Setting it prevents (but never interrupts) execution.
type CancelToken struct {
	flag atomic.Bool
}

func NewCancelToken() *CancelToken { return &CancelToken{} }

func (t *CancelToken) Cancel() {
	if t != nil {
		t.flag.Store(true)
	}
}

func (t *CancelToken) Cancelled() bool {
	return t != nil && t.flag.Load()
}

// Handle is the future returned by Post*. It resolves exactly once with
// the task's error: nil on success (or cancellable skip), ErrCancelled
// when the task was cancelled while queued, ErrStopped when the loop shut
// down before the task ran, or the recovered panic as an error.
type Handle struct {
	id uint64

	mu       sync.Mutex
	resolved bool
	err      error
	done     chan struct{}
	cbs      []func(error)
}

func newHandle(id uint64) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID identifies the underlying task for AdjustTaskPriority and Cancel.
func (h *Handle) ID() uint64 { return h.id }

// Done is closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err blocks until the handle resolves or ctx is done.
func (h *Handle) Err(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		err := h.err
		h.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnDone attaches a continuation invoked when the handle resolves.
// If the handle is already resolved, fn runs immediately in the caller's
// goroutine. Continuations must be short; they run on whichever goroutine
// resolves the handle.
func (h *Handle) OnDone(fn func(error)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	if h.resolved {
		err := h.err
		h.mu.Unlock()
		fn(err)
		return
	}
	h.cbs = append(h.cbs, fn)
	h.mu.Unlock()
}

func (h *Handle) resolve(err error) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	h.resolved = true
	h.err = err
	cbs := h.cbs
	h.cbs = nil
	close(h.done)
	h.mu.Unlock()

	for _, cb := range cbs {
		cb(err)
	}
}
