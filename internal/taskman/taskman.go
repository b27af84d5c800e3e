// Package taskman tracks long-running operator tasks (exposure sequences,
// calibration runs) submitted onto the event loop, giving each a stable
// UUID, a queryable status record, and persisted history.
package taskman

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"starloop/internal/eventbus"
	"starloop/internal/eventloop"
	"starloop/internal/storage"
	logx "starloop/pkg/logx"
)

var (
	ErrTooManyActive = errors.New("taskman: too many active tasks")
	ErrCancelled     = errors.New("taskman: task cancelled")
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Fn is the body of a managed task. It runs on a loop worker.
type Fn func(ctx context.Context) (any, error)

// TaskInfo is a point-in-time snapshot of one managed task.
type TaskInfo struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     Status         `json:"status"`
	Params     map[string]any `json:"params,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

type taskState struct {
	info   TaskInfo
	token  *eventloop.CancelToken
	cancel context.CancelFunc
}

type Options struct {
	MaxActive   int // 0 means unlimited
	HistorySize int // finished tasks kept in memory, default 100
	Priority    int
}

type Manager struct {
	loop  *eventloop.Loop
	bus   eventbus.Bus
	store storage.Store // may be nil
	log   logx.Logger
	opts  Options

	mu       sync.Mutex
	active   map[string]*taskState
	finished []TaskInfo // ring, oldest first
}

func New(loop *eventloop.Loop, bus eventbus.Bus, store storage.Store, log logx.Logger, opts Options) *Manager {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	return &Manager{
		loop:   loop,
		bus:    bus,
		store:  store,
		log:    log,
		opts:   opts,
		active: map[string]*taskState{},
	}
}

// Submit schedules fn on the loop and returns the new task's id.
func (m *Manager) Submit(typ string, params map[string]any, fn Fn) (string, error) {
	m.mu.Lock()
	if m.opts.MaxActive > 0 && len(m.active) >= m.opts.MaxActive {
		m.mu.Unlock()
		return "", ErrTooManyActive
	}
	st := &taskState{
		info: TaskInfo{
			ID:        uuid.NewString(),
			Type:      typ,
			Status:    StatusPending,
			Params:    params,
			CreatedAt: time.Now(),
		},
		token: eventloop.NewCancelToken(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	m.active[st.info.ID] = st
	// Snapshot while still holding the lock: once the work task is posted a
	// worker may start mutating st.info under m.mu at any moment.
	snap := st.info
	m.mu.Unlock()

	id := snap.ID
	if _, err := m.loop.PostCancelable(func(context.Context) error {
		m.run(ctx, id, fn)
		return nil
	}, st.token); err != nil {
		cancel()
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		return "", err
	}

	m.publish("task.submitted", snap)
	return id, nil
}

func (m *Manager) run(ctx context.Context, id string, fn Fn) {
	m.mu.Lock()
	st, ok := m.active[id]
	if !ok || st.info.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	st.info.Status = StatusRunning
	st.info.StartedAt = time.Now()
	snap := st.info
	m.mu.Unlock()
	m.publish("task.started", snap)

	result, err := fn(ctx)

	switch {
	case err == nil:
		m.finish(id, StatusCompleted, result, nil)
	case errors.Is(err, context.Canceled):
		m.finish(id, StatusCancelled, nil, ErrCancelled)
	default:
		m.finish(id, StatusFailed, nil, err)
	}
}

func (m *Manager) finish(id string, status Status, result any, err error) {
	m.mu.Lock()
	st, ok := m.active[id]
	if !ok || st.info.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	st.info.Status = status
	st.info.Result = result
	if err != nil {
		st.info.Error = err.Error()
	}
	st.info.FinishedAt = time.Now()
	delete(m.active, id)

	m.finished = append(m.finished, st.info)
	if n := len(m.finished) - m.opts.HistorySize; n > 0 {
		m.finished = append(m.finished[:0], m.finished[n:]...)
	}
	snap := st.info
	m.mu.Unlock()

	if st.cancel != nil {
		st.cancel()
	}

	switch status {
	case StatusCompleted:
		m.publish("task.completed", snap)
	case StatusFailed:
		m.publish("task.failed", snap)
	case StatusCancelled:
		m.publish("task.cancelled", snap)
	}
	m.persist(snap)
}

// Cancel stops a pending or running task. Pending work is skipped at
// dequeue; running work gets its context cancelled and is recorded as
// CANCELLED once the body returns (or immediately if it never started).
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	st, ok := m.active[id]
	if !ok || st.info.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	running := st.info.Status == StatusRunning
	m.mu.Unlock()

	st.token.Cancel()
	if st.cancel != nil {
		st.cancel()
	}
	if !running {
		m.finish(id, StatusCancelled, nil, ErrCancelled)
	}
	return true
}

// Get returns a snapshot of an active or recently finished task.
func (m *Manager) Get(id string) (TaskInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.active[id]; ok {
		return st.info, true
	}
	for i := len(m.finished) - 1; i >= 0; i-- {
		if m.finished[i].ID == id {
			return m.finished[i], true
		}
	}
	return TaskInfo{}, false
}

// ListActive returns snapshots of all non-terminal tasks.
func (m *Manager) ListActive() []TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskInfo, 0, len(m.active))
	for _, st := range m.active {
		out = append(out, st.info)
	}
	return out
}

func (m *Manager) publish(typ string, info TaskInfo) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: info})
}

func (m *Manager) persist(info TaskInfo) {
	if m.store == nil {
		return
	}
	rec := storage.Record{
		ID:       info.ID,
		Kind:     "task",
		Name:     info.Type,
		Status:   string(info.Status),
		Error:    info.Error,
		Params:   marshalJSON(info.Params),
		Result:   marshalJSON(info.Result),
		Created:  info.CreatedAt,
		Finished: info.FinishedAt,
	}
	if !info.StartedAt.IsZero() {
		rec.TookMS = info.FinishedAt.Sub(info.StartedAt).Milliseconds()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.AppendRecord(ctx, rec); err != nil && !m.log.IsZero() {
		m.log.Warn("task record not persisted", logx.String("id", info.ID), logx.Err(err))
	}
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
