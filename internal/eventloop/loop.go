package eventloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	rtsup "starloop/internal/runtime/supervisor"
	logx "starloop/pkg/logx"
)

// Config controls the loop. Zero values are replaced with defaults.
type Config struct {
	// Workers is the number of long-lived worker goroutines.
	Workers int
	// BatchSize bounds how many candidates one drain pass may claim.
	BatchSize int
	// PollInterval is the readiness-poll budget while work is flowing.
	PollInterval time.Duration
	// IdleBackoffMax caps the exponential idle backoff.
	IdleBackoffMax time.Duration
	// WarnPerMinute throttles repetitive hot-path warnings.
	WarnPerMinute int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Millisecond
	}
	if c.IdleBackoffMax <= 0 {
		c.IdleBackoffMax = 20 * time.Millisecond
	}
	if c.WarnPerMinute <= 0 {
		c.WarnPerMinute = 12
	}
	return c
}

// Loop is the scheduler facade. Construct with New, start with Run, and
// share by pointer; there is no package-level instance, so tests can run
// several independent loops.
type Loop struct {
	cfg Config
	log logx.Logger

	q      *queue
	nextID atomic.Uint64

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	sup     *rtsup.Supervisor
	pollr   poller

	subsMu sync.Mutex
	subs   map[string][]func()

	sigMu sync.Mutex
	sigs  map[int]func()
	sigCh chan os.Signal

	throttle *logx.Throttle
	stats    counters
}

type counters struct {
	executed   atomic.Uint64
	panics     atomic.Uint64
	skipped    atomic.Uint64 // cancel-token skips
	reclaimed  atomic.Uint64 // inactive tasks dropped at dequeue
	wakeups    atomic.Uint64
	pollErrors atomic.Uint64
	signals    atomic.Uint64
	emits      atomic.Uint64
	dataReady  atomic.Uint64
	rejected   atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Loop {
	cfg = cfg.withDefaults()
	return &Loop{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "eventloop")),
		q:        newQueue(),
		subs:     map[string][]func(){},
		sigs:     map[int]func(){},
		sigCh:    make(chan os.Signal, 16),
		throttle: logx.NewThrottle(cfg.WarnPerMinute),
	}
}

// Run starts the worker pool. It is idempotent; calling Run on a stopped
// loop is an error.
func (l *Loop) Run() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrStopped
	}
	if l.running {
		return nil
	}

	p, err := newPoller()
	if err != nil {
		return fmt.Errorf("readiness poller: %w", err)
	}
	l.pollr = p
	l.stopCh = make(chan struct{})
	l.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(l.log),
		// A worker failure must never take the loop down.
		rtsup.WithCancelOnError(false),
	)
	l.running = true

	stopCh := l.stopCh
	for i := 0; i < l.cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		l.sup.GoRestart(name, func(ctx context.Context) error {
			l.workerLoop(ctx, stopCh, p, idx)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			return ctx.Err()
		},
			rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
			// A worker must not stay dead outside shutdown.
			rtsup.WithStopOnCleanExit(false),
		)
	}

	l.sup.Go0("sigbridge", func(ctx context.Context) {
		l.signalForwarder(ctx, stopCh, p)
	})

	l.log.Info("event loop started",
		logx.Int("workers", l.cfg.Workers),
		logx.Int("batch", l.cfg.BatchSize),
		logx.Duration("poll_interval", l.cfg.PollInterval))
	return nil
}

// Stop shuts the loop down: it flips the stop flag, wakes every blocked
// poller, joins the workers, and resolves still-queued handles with
// ErrStopped. Stop is idempotent and terminal; Post* fails fast afterwards.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	if !l.running {
		l.mu.Unlock()
		for _, t := range l.q.drain() {
			t.resolve(ErrStopped)
		}
		return
	}
	l.running = false
	close(l.stopCh)
	sup := l.sup
	p := l.pollr
	l.mu.Unlock()

	signal.Stop(l.sigCh)

	// One wakeup per worker so nobody waits out a full poll timeout.
	for i := 0; i < l.cfg.Workers; i++ {
		p.wakeup()
	}

	sup.Cancel()
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := sup.Wait(waitCtx)
	cancel()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		l.log.Debug("supervisor wait", logx.Err(err))
	}

	for _, t := range l.q.drain() {
		t.resolve(ErrStopped)
	}
	_ = p.close()

	l.log.Info("event loop stopped",
		logx.Uint64("executed", l.stats.executed.Load()),
		logx.Uint64("panics", l.stats.panics.Load()))
}

// Running reports whether workers are live.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// ---- submission ----

// Post enqueues fn for immediate execution at the given priority (higher
// runs first). The handle resolves with fn's error once executed.
func (l *Loop) Post(priority int, fn TaskFunc) (*Handle, error) {
	return l.submitHandle(priority, time.Now(), fn, nil)
}

// PostDelayed enqueues fn with eligibility time now+delay.
func (l *Loop) PostDelayed(delay time.Duration, priority int, fn TaskFunc) (*Handle, error) {
	return l.submitHandle(priority, time.Now().Add(delay), fn, nil)
}

// PostCancelable enqueues fn guarded by token. The token is checked once,
// immediately before the run; a cancelled task is skipped but its handle
// still resolves (with nil).
func (l *Loop) PostCancelable(fn TaskFunc, token *CancelToken) (*Handle, error) {
	return l.submitHandle(0, time.Now(), fn, token)
}

// PostWithDependency runs fn only after dep resolves. The continuation is
// attached to the dependency handle; no goroutine is parked per call. If
// the loop stops first, dep resolves with ErrStopped and the continuation's
// own Post fails fast, so nothing leaks.
func (l *Loop) PostWithDependency(fn TaskFunc, dep *Handle) error {
	if fn == nil {
		return fmt.Errorf("task func is nil")
	}
	if dep == nil {
		_, err := l.Post(0, fn)
		return err
	}
	dep.OnDone(func(error) {
		if _, err := l.Post(0, fn); err != nil {
			l.log.Debug("dependency continuation dropped", logx.Err(err))
		}
	})
	return nil
}

// SchedulePeriodic runs fn immediately and then re-arms it every interval
// until Stop. Fire-and-forget: no handle. The returned id can be fed to
// AdjustTaskPriority or Cancel.
func (l *Loop) SchedulePeriodic(interval time.Duration, priority int, fn TaskFunc) (uint64, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	t := l.newTask(priority, time.Now(), fn, nil)
	t.kind = kindPeriodic
	t.interval = interval
	t.handle = nil
	if err := l.submit(t); err != nil {
		return 0, err
	}
	return t.id, nil
}

// ScheduleCron re-arms fn on a cron schedule ("*/5 * * * *", "@hourly",
// "@every 90s"). The first run is at the schedule's next activation.
func (l *Loop) ScheduleCron(spec string, priority int, fn TaskFunc) (uint64, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("cron spec %q: %w", spec, err)
	}
	t := l.newTask(priority, sched.Next(time.Now()), fn, nil)
	t.kind = kindCron
	t.sched = sched
	t.handle = nil
	if err := l.submit(t); err != nil {
		return 0, err
	}
	return t.id, nil
}

// SetTimeout runs fn once after delay. Fire-and-forget.
func (l *Loop) SetTimeout(fn func(), delay time.Duration) {
	if fn == nil {
		return
	}
	_, err := l.PostDelayed(delay, 0, func(context.Context) error {
		fn()
		return nil
	})
	if err != nil {
		l.log.Debug("timeout dropped", logx.Err(err))
	}
}

// SetInterval runs fn every interval, first firing after one interval.
func (l *Loop) SetInterval(fn func(), interval time.Duration) {
	if fn == nil || interval <= 0 {
		return
	}
	t := l.newTask(0, time.Now().Add(interval), func(context.Context) error {
		fn()
		return nil
	}, nil)
	t.kind = kindPeriodic
	t.interval = interval
	t.handle = nil
	if err := l.submit(t); err != nil {
		l.log.Debug("interval dropped", logx.Err(err))
	}
}

// AdjustTaskPriority updates the priority of a queued task, re-heapifying
// under the queue lock. Returns false for unknown, already-running, or
// cancelled ids.
func (l *Loop) AdjustTaskPriority(id uint64, priority int) bool {
	return l.q.adjustPriority(id, priority)
}

// Cancel marks a queued task inactive. Cooperative only: a task already
// mid-execution is unaffected, and cancellation is terminal.
func (l *Loop) Cancel(id uint64) bool {
	return l.q.cancel(id)
}

func (l *Loop) newTask(priority int, runAt time.Time, fn TaskFunc, token *CancelToken) *task {
	id := l.nextID.Add(1)
	t := &task{
		id:       id,
		priority: priority,
		runAt:    runAt,
		kind:     kindOneShot,
		token:    token,
		run:      fn,
		handle:   newHandle(id),
	}
	t.active.Store(true)
	return t
}

func (l *Loop) submitHandle(priority int, runAt time.Time, fn TaskFunc, token *CancelToken) (*Handle, error) {
	if fn == nil {
		return nil, fmt.Errorf("task func is nil")
	}
	t := l.newTask(priority, runAt, fn, token)
	if err := l.submit(t); err != nil {
		return nil, err
	}
	return t.handle, nil
}

// submit pushes the task and wakes a sleeping worker so newly-ready
// high-priority work is picked up promptly. Holding mu across the push
// keeps Stop's drain from racing a concurrent submission.
func (l *Loop) submit(t *task) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.stats.rejected.Add(1)
		t.resolve(ErrStopped)
		return ErrStopped
	}
	p := l.pollr
	l.q.push(t)
	l.mu.Unlock()

	if p != nil {
		l.stats.wakeups.Add(1)
		p.wakeup()
	}
	return nil
}

// ---- event bus ----

// SubscribeEvent registers cb on a named topic. Additive only: there is
// no unsubscribe; callers needing removal should key topics themselves
// (e.g. per-connection topic names). Insertion order is preserved.
func (l *Loop) SubscribeEvent(topic string, cb func()) {
	if cb == nil {
		return
	}
	l.subsMu.Lock()
	l.subs[topic] = append(l.subs[topic], cb)
	l.subsMu.Unlock()
}

// EmitEvent posts each subscriber callback of the topic as an independent
// priority-0 task. Emission never runs subscribers inline, never blocks on
// them, and gives each the same failure isolation as any other task.
func (l *Loop) EmitEvent(topic string) {
	l.subsMu.Lock()
	cbs := append([]func(){}, l.subs[topic]...)
	l.subsMu.Unlock()

	l.stats.emits.Add(1)
	for _, cb := range cbs {
		cb := cb
		if _, err := l.Post(0, func(context.Context) error {
			cb()
			return nil
		}); err != nil {
			l.log.Debug("event fan-out dropped", logx.String("topic", topic), logx.Err(err))
			return
		}
	}
}

// ---- readiness registration ----

// RegisterFD adds a descriptor to the readiness poller. The loop only
// traces readiness for plain data descriptors; I/O handling belongs to
// the registering module.
func (l *Loop) RegisterFD(fd int) error {
	l.mu.Lock()
	p := l.pollr
	l.mu.Unlock()
	if p == nil {
		return fmt.Errorf("loop not running")
	}
	return p.register(fd)
}

// RegisterSignal routes an OS signal to cb, dispatched as a normal task.
// Last registration per signal wins.
func (l *Loop) RegisterSignal(sig os.Signal, cb func()) {
	signo := signalNumber(sig)
	if signo < 0 || cb == nil {
		return
	}
	l.sigMu.Lock()
	l.sigs[signo] = cb
	l.sigMu.Unlock()
	signal.Notify(l.sigCh, sig)
}

// signalForwarder converts deliveries on the Notify channel into poller
// readiness events. It runs outside signal-handler context, so touching
// the poller here is safe.
func (l *Loop) signalForwarder(ctx context.Context, stopCh <-chan struct{}, p poller) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case sig := <-l.sigCh:
			if signo := signalNumber(sig); signo >= 0 {
				p.notifySignal(signo)
			}
		}
	}
}

func (l *Loop) dispatchSignal(signo int) {
	l.sigMu.Lock()
	cb := l.sigs[signo]
	l.sigMu.Unlock()
	if cb == nil {
		l.log.Debug("signal without handler", logx.Int("signal", signo))
		return
	}
	l.stats.signals.Add(1)
	if _, err := l.Post(0, func(context.Context) error {
		cb()
		return nil
	}); err != nil {
		l.log.Debug("signal dispatch dropped", logx.Int("signal", signo), logx.Err(err))
	}
}

func signalNumber(sig os.Signal) int {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return -1
	}
	return int(s)
}
