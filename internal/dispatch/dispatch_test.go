package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"starloop/internal/eventbus"
	"starloop/internal/eventloop"
	logx "starloop/pkg/logx"
)

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, eventbus.Bus) {
	t.Helper()
	l := eventloop.New(eventloop.Config{Workers: 2}, logx.Nop())
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(l.Stop)
	bus := eventbus.New()
	return New(l, bus, logx.Nop(), opts), bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatchCompletes(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{})

	d.Register("focuser.move", func(_ context.Context, params map[string]any) (any, error) {
		return params["steps"], nil
	})

	inv, err := d.Dispatch(context.Background(), "focuser.move", map[string]any{"steps": 120})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if inv.Status != StatusPending {
		t.Fatalf("initial status = %s, want PENDING", inv.Status)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, ok := d.Get(inv.ID)
		return ok && got.Status == StatusCompleted
	})
	got, _ := d.Get(inv.ID)
	if got.Result != 120 {
		t.Fatalf("result = %v, want 120", got.Result)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{})
	if _, err := d.Dispatch(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestDispatchFailureRecorded(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{})
	boom := errors.New("shutter stuck")
	d.Register("camera.expose", func(context.Context, map[string]any) (any, error) {
		return nil, boom
	})

	inv, err := d.Dispatch(context.Background(), "camera.expose", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		got, ok := d.Get(inv.ID)
		return ok && got.Status == StatusFailed
	})
	got, _ := d.Get(inv.ID)
	if got.Error != boom.Error() {
		t.Fatalf("error = %q, want %q", got.Error, boom.Error())
	}
}

func TestDispatchTimeout(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{DefaultTimeout: 50 * time.Millisecond})

	d.Register("telescope.slew", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	inv, err := d.Dispatch(context.Background(), "telescope.slew", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		got, ok := d.Get(inv.ID)
		return ok && got.Status == StatusFailed
	})
	got, _ := d.Get(inv.ID)
	if got.Error != ErrTimeout.Error() {
		t.Fatalf("error = %q, want timeout", got.Error)
	}
}

func TestTimeoutTaskRetiredOnFastCompletion(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{DefaultTimeout: 80 * time.Millisecond})

	d.Register("switch.toggle", func(context.Context, map[string]any) (any, error) {
		return "on", nil
	})
	inv, err := d.Dispatch(context.Background(), "switch.toggle", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		got, ok := d.Get(inv.ID)
		return ok && got.Status == StatusCompleted
	})

	// The timeout must not retroactively fail a completed invocation.
	time.Sleep(150 * time.Millisecond)
	got, _ := d.Get(inv.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status flipped to %s after completion", got.Status)
	}
}

func TestCancelPendingInvocation(t *testing.T) {
	t.Parallel()
	l := eventloop.New(eventloop.Config{Workers: 1}, logx.Nop())
	t.Cleanup(l.Stop)
	d := New(l, eventbus.New(), logx.Nop(), Options{})

	ran := false
	d.Register("camera.expose", func(context.Context, map[string]any) (any, error) {
		ran = true
		return nil, nil
	})

	// Loop not running yet, so the work stays queued.
	inv, err := d.Dispatch(context.Background(), "camera.expose", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !d.CancelInvocation(inv.ID) {
		t.Fatal("CancelInvocation on a pending id should return true")
	}
	if d.CancelInvocation(inv.ID) {
		t.Fatal("second cancel should return false")
	}

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if ran {
		t.Fatal("cancelled invocation must not execute")
	}
	got, _ := d.Get(inv.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
}

func TestHistoryRingBounded(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{HistorySize: 3})
	d.Register("ping", func(context.Context, map[string]any) (any, error) { return nil, nil })

	var ids []string
	for i := 0; i < 5; i++ {
		inv, err := d.Dispatch(context.Background(), "ping", nil)
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		ids = append(ids, inv.ID)
		waitFor(t, 2*time.Second, func() bool {
			got, ok := d.Get(inv.ID)
			return ok && got.Status.Terminal()
		})
	}

	hist := d.History("ping")
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if hist[len(hist)-1].ID != ids[len(ids)-1] {
		t.Fatal("history should keep the most recent invocations")
	}
}

func TestWatchObservesStatusChanges(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{})
	d.Register("ping", func(context.Context, map[string]any) (any, error) { return nil, nil })

	var mu sync.Mutex
	var seen []Status
	tok := d.Watch("ping", func(inv Invocation) {
		mu.Lock()
		seen = append(seen, inv.Status)
		mu.Unlock()
	})
	defer d.Unwatch(tok)

	if _, err := d.Dispatch(context.Background(), "ping", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	})
	mu.Lock()
	defer mu.Unlock()
	if seen[0] != StatusRunning || seen[len(seen)-1] != StatusCompleted {
		t.Fatalf("observed %v, want RUNNING then COMPLETED", seen)
	}
}

func TestUnwatchStopsNotifications(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{})
	d.Register("ping", func(context.Context, map[string]any) (any, error) { return nil, nil })

	var mu sync.Mutex
	calls := 0
	tok := d.Watch("", func(Invocation) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	d.Unwatch(tok)

	inv, err := d.Dispatch(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		got, ok := d.Get(inv.ID)
		return ok && got.Status.Terminal()
	})
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("unwatched observer fired %d times", calls)
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	t.Parallel()
	d, bus := newTestDispatcher(t, Options{})
	ch, unsub := bus.SubscribeTypes(16, "command")
	defer unsub()

	d.Register("ping", func(context.Context, map[string]any) (any, error) { return nil, nil })
	if _, err := d.Dispatch(context.Background(), "ping", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	want := map[string]bool{"command.submitted": false, "command.started": false, "command.completed": false}
	deadline := time.After(2 * time.Second)
	for {
		remaining := false
		for _, seen := range want {
			if !seen {
				remaining = true
			}
		}
		if !remaining {
			return
		}
		select {
		case e := <-ch:
			if _, ok := want[e.Type]; ok {
				want[e.Type] = true
			}
		case <-deadline:
			t.Fatalf("missing lifecycle events: %v", want)
		}
	}
}

func TestConcurrentDispatches(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, Options{DefaultTimeout: 2 * time.Second})

	d.Register("camera.ping", func(context.Context, map[string]any) (any, error) {
		return "pong", nil
	})
	tok := d.Watch("camera.ping", func(Invocation) {})
	defer d.Unwatch(tok)

	const (
		submitters   = 8
		perSubmitter = 50
	)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSubmitter; j++ {
				inv, err := d.Dispatch(context.Background(), "camera.ping", nil)
				if err != nil {
					t.Errorf("Dispatch: %v", err)
					return
				}
				if inv.ID == "" {
					t.Error("empty invocation id")
					return
				}
			}
		}()
	}
	wg.Wait()

	waitFor(t, 5*time.Second, func() bool {
		d.mu.Lock()
		n := len(d.active)
		d.mu.Unlock()
		return n == 0
	})
}
