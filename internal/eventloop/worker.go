package eventloop

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "starloop/pkg/logx"
)

// workerLoop is one long-lived worker: drain a bounded batch, execute it
// with per-task isolation, take one bounded readiness poll, back off when
// idle. Only Stop terminates it; task failures never do.
func (l *Loop) workerLoop(ctx context.Context, stopCh <-chan struct{}, p poller, idx int) {
	idle := 0
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		// Drain: claim up to BatchSize candidates. Cancelled nodes are
		// reclaimed here at dequeue, never on the cancel path.
		ready, cancelled := l.q.popReady(time.Now(), l.cfg.BatchSize)
		for _, t := range cancelled {
			l.stats.reclaimed.Add(1)
			t.resolve(ErrCancelled)
		}

		// Execute outside any lock.
		for _, t := range ready {
			l.execute(ctx, t)
		}
		worked := len(ready) > 0 || len(cancelled) > 0

		// Poll: the only place a worker blocks, and only bounded. The
		// idle backoff is folded into the poll timeout so a wakeup from a
		// fresh submission still interrupts it.
		events, err := p.poll(l.pollTimeout(worked, idle))
		if err != nil {
			l.stats.pollErrors.Add(1)
			if l.throttle.Allow() {
				l.log.Warn("readiness poll failed", logx.Int("worker", idx), logx.Err(err))
			}
		}

		sawIO := false
		for _, ev := range events {
			switch ev.kind {
			case evSignal:
				sawIO = true
				l.dispatchSignal(ev.signal)
			case evData:
				sawIO = true
				l.stats.dataReady.Add(1)
				// I/O handling belongs to whichever module registered the
				// descriptor; the loop only surfaces readiness.
				if l.log.Enabled(logx.LevelTrace) {
					l.log.Trace("descriptor ready", logx.Int("fd", ev.fd))
				}
			case evWake:
				// No-op event; it only unblocked the poll.
			}
		}

		if worked || sawIO {
			idle = 0
		} else {
			idle++
		}
	}
}

func (l *Loop) execute(ctx context.Context, t *task) {
	// Cancellation token: checked once, immediately before the run. A
	// skipped task still resolves its handle.
	if t.token.Cancelled() {
		l.stats.skipped.Add(1)
		t.resolve(nil)
		return
	}
	if !t.active.Load() {
		l.stats.reclaimed.Add(1)
		t.resolve(ErrCancelled)
		return
	}

	err := l.runIsolated(ctx, t)
	l.stats.executed.Add(1)

	if t.kind == kindOneShot {
		t.resolve(err)
		return
	}

	// Periodic/cron: re-arm with an advanced eligibility time and push the
	// record back. Identity (id) is stable across runs so priority
	// adjustment and cancellation keep working.
	if !t.active.Load() {
		l.stats.reclaimed.Add(1)
		return
	}
	next, ok := t.nextRun(time.Now())
	if !ok {
		return
	}
	t.runAt = next
	if err := l.submit(t); err != nil {
		l.log.Debug("periodic task retired", logx.Uint64("task_id", t.id), logx.Err(err))
	}
}

func (l *Loop) runIsolated(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.stats.panics.Add(1)
			err = fmt.Errorf("task panicked: %v", r)
			l.log.Error("task panic",
				logx.Uint64("task_id", t.id),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.run(ctx)
}

func (l *Loop) pollTimeout(worked bool, idle int) time.Duration {
	d := l.cfg.PollInterval
	if worked {
		return d
	}
	for i := 0; i < idle && d < l.cfg.IdleBackoffMax; i++ {
		d *= 2
	}
	if d > l.cfg.IdleBackoffMax {
		d = l.cfg.IdleBackoffMax
	}
	// Never sleep past the next delayed task's eligibility.
	if at, ok := l.q.earliest(); ok {
		if until := time.Until(at); until < d {
			d = until
			if d < 0 {
				d = 0
			}
		}
	}
	return d
}
