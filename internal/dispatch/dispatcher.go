// Package dispatch routes named device commands onto the event loop and
// tracks each invocation's lifecycle, history, and observers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"starloop/internal/eventbus"
	"starloop/internal/eventloop"
	logx "starloop/pkg/logx"
)

var (
	ErrUnknownCommand = errors.New("dispatch: unknown command")
	ErrTimeout        = errors.New("dispatch: command timed out")
	ErrCancelled      = errors.New("dispatch: invocation cancelled")
)

// Handler executes one command. It runs on a loop worker, so it must honor
// ctx cancellation and return promptly on timeout.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Token identifies a Watch registration.
type Token uint64

type watcher struct {
	command string
	fn      func(Invocation)
}

type Options struct {
	DefaultTimeout time.Duration // 0 means no timeout
	HistorySize    int           // per-command ring, default 20
	Priority       int           // loop priority for command work
}

type Dispatcher struct {
	loop *eventloop.Loop
	bus  eventbus.Bus
	log  logx.Logger
	opts Options

	mu       sync.Mutex
	handlers map[string]Handler
	active   map[string]*invocationState
	history  map[string][]Invocation
	watchers map[Token]*watcher
	tokenSeq Token
}

// invocationState is the mutable record behind an Invocation snapshot.
// inv is mutated only under the dispatcher mutex; the tokens and cancel
// func are set before the work task is posted and never change after.
type invocationState struct {
	inv    Invocation
	cancel context.CancelFunc     // interrupts a RUNNING handler
	work   *eventloop.CancelToken // skips the queued work task
	timer  *eventloop.CancelToken // skips the auxiliary timeout task
}

func New(loop *eventloop.Loop, bus eventbus.Bus, log logx.Logger, opts Options) *Dispatcher {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 20
	}
	return &Dispatcher{
		loop:     loop,
		bus:      bus,
		log:      log,
		opts:     opts,
		handlers: map[string]Handler{},
		active:   map[string]*invocationState{},
		history:  map[string][]Invocation{},
		watchers: map[Token]*watcher{},
	}
}

// Register installs a handler. Last registration for a name wins.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	d.handlers[name] = h
	d.mu.Unlock()
}

// Dispatch submits a command for asynchronous execution and returns a
// PENDING snapshot immediately. Progress is observable via Watch, Get, and
// the command.* events on the bus.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params map[string]any) (*Invocation, error) {
	d.mu.Lock()
	h, ok := d.handlers[name]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	st := &invocationState{
		inv:  *newInvocation(name, params),
		work: eventloop.NewCancelToken(),
	}
	if d.opts.DefaultTimeout > 0 {
		st.timer = eventloop.NewCancelToken()
	}
	wctx, cancel := context.WithCancel(ctx)
	st.cancel = cancel

	// Snapshot before the work task is posted: a worker may start mutating
	// st.inv the instant the post lands.
	snap := st.inv
	id := snap.ID

	d.mu.Lock()
	d.active[id] = st
	d.mu.Unlock()

	if _, err := d.loop.PostCancelable(func(context.Context) error {
		d.execute(wctx, id, h)
		return nil
	}, st.work); err != nil {
		cancel()
		d.mu.Lock()
		delete(d.active, id)
		d.mu.Unlock()
		return nil, err
	}

	// The timeout is an ordinary delayed task racing the work. Whichever
	// side loses the race finds a terminal status and does nothing.
	if st.timer != nil {
		timer := st.timer
		if _, err := d.loop.PostDelayed(d.opts.DefaultTimeout, d.opts.Priority, func(context.Context) error {
			if timer.Cancelled() {
				return nil
			}
			d.expire(id)
			return nil
		}); err != nil && !d.log.IsZero() {
			d.log.Warn("timeout task rejected", logx.String("command", name), logx.Err(err))
		}
	}

	d.publish("command.submitted", snap)
	out := snap
	return &out, nil
}

func (d *Dispatcher) execute(ctx context.Context, id string, h Handler) {
	snap, ok := d.transition(id, StatusRunning, func(inv *Invocation) {
		inv.Started = time.Now()
	})
	if !ok {
		return
	}
	d.publish("command.started", snap)

	result, err := h(ctx, snap.Params)

	switch {
	case err == nil:
		if snap, ok := d.finish(id, StatusCompleted, result, nil); ok {
			d.publish("command.completed", snap)
		}
	case errors.Is(err, context.Canceled):
		// expire() or CancelInvocation already recorded the terminal state.
		d.finish(id, StatusCancelled, nil, ErrCancelled)
	default:
		if snap, ok := d.finish(id, StatusFailed, nil, err); ok {
			d.publish("command.failed", snap)
		}
	}
}

// expire marks a still-live invocation FAILED with ErrTimeout. finish
// interrupts the handler and skips still-queued work.
func (d *Dispatcher) expire(id string) {
	snap, ok := d.finish(id, StatusFailed, nil, ErrTimeout)
	if !ok {
		return
	}
	d.publish("command.timeout", snap)
	if !d.log.IsZero() {
		d.log.Warn("command timed out",
			logx.String("command", snap.Command),
			logx.String("id", id),
		)
	}
}

// CancelInvocation cancels a PENDING or RUNNING invocation. PENDING work is
// skipped at dequeue; RUNNING work gets its context cancelled.
func (d *Dispatcher) CancelInvocation(id string) bool {
	snap, ok := d.finish(id, StatusCancelled, nil, ErrCancelled)
	if !ok {
		return false
	}
	d.publish("command.cancelled", snap)
	return true
}

// transition moves a non-terminal invocation to next and returns its
// snapshot; ok is false when the invocation is unknown or already terminal.
func (d *Dispatcher) transition(id string, next Status, mutate func(*Invocation)) (Invocation, bool) {
	d.mu.Lock()
	st, ok := d.active[id]
	if !ok || st.inv.Status.Terminal() {
		d.mu.Unlock()
		return Invocation{}, false
	}
	st.inv.Status = next
	if mutate != nil {
		mutate(&st.inv)
	}
	snap := st.inv
	watchers := d.watchersFor(snap.Command)
	d.mu.Unlock()

	d.notify(watchers, snap)
	return snap, true
}

// finish records a terminal status exactly once, archives the invocation
// into the history ring, retires the timeout task, skips still-queued
// work, and interrupts a running handler.
func (d *Dispatcher) finish(id string, status Status, result any, err error) (Invocation, bool) {
	d.mu.Lock()
	st, ok := d.active[id]
	if !ok || st.inv.Status.Terminal() {
		d.mu.Unlock()
		return Invocation{}, false
	}
	st.inv.Status = status
	st.inv.Result = result
	if err != nil {
		st.inv.Error = err.Error()
	}
	st.inv.Finished = time.Now()
	delete(d.active, id)

	ring := append(d.history[st.inv.Command], st.inv)
	if n := len(ring) - d.opts.HistorySize; n > 0 {
		ring = append(ring[:0], ring[n:]...)
	}
	d.history[st.inv.Command] = ring

	snap := st.inv
	watchers := d.watchersFor(snap.Command)
	d.mu.Unlock()

	st.timer.Cancel()
	st.work.Cancel()
	if st.cancel != nil {
		st.cancel()
	}
	d.notify(watchers, snap)
	return snap, true
}

// Get returns a snapshot of an active or archived invocation.
func (d *Dispatcher) Get(id string) (Invocation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.active[id]; ok {
		return st.inv, true
	}
	for _, ring := range d.history {
		for i := len(ring) - 1; i >= 0; i-- {
			if ring[i].ID == id {
				return ring[i], true
			}
		}
	}
	return Invocation{}, false
}

// History returns the bounded ring for one command, oldest first.
func (d *Dispatcher) History(command string) []Invocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	ring := d.history[command]
	out := make([]Invocation, len(ring))
	copy(out, ring)
	return out
}

// Watch registers an observer for every status change of the named command.
// An empty command observes all commands.
func (d *Dispatcher) Watch(command string, fn func(Invocation)) Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokenSeq++
	tok := d.tokenSeq
	d.watchers[tok] = &watcher{command: command, fn: fn}
	return tok
}

func (d *Dispatcher) Unwatch(tok Token) {
	d.mu.Lock()
	delete(d.watchers, tok)
	d.mu.Unlock()
}

// watchersFor is called with d.mu held.
func (d *Dispatcher) watchersFor(command string) []func(Invocation) {
	var out []func(Invocation)
	for _, w := range d.watchers {
		if w.command == "" || w.command == command {
			out = append(out, w.fn)
		}
	}
	return out
}

func (d *Dispatcher) notify(watchers []func(Invocation), snap Invocation) {
	for _, fn := range watchers {
		fn(snap)
	}
}

func (d *Dispatcher) publish(typ string, snap Invocation) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: snap})
}
