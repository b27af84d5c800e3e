package device

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"starloop/internal/eventbus"
	"starloop/internal/eventloop"
	logx "starloop/pkg/logx"
)

func newTestRegistry(t *testing.T) (*Registry, eventbus.Bus) {
	t.Helper()
	l := eventloop.New(eventloop.Config{Workers: 1}, logx.Nop())
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(l.Stop)
	bus := eventbus.New()
	return NewRegistry(l, bus, logx.Nop()), bus
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

func TestHealthCheckRunsPeriodically(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	var checks atomic.Int64
	err := r.Register("main-camera", "camera", 20*time.Millisecond, func(context.Context) error {
		checks.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return checks.Load() >= 3 })
	info, ok := r.Get("main-camera")
	if !ok || info.State != StateUp {
		t.Fatalf("info = %+v", info)
	}
}

func TestTransitionEventsPublished(t *testing.T) {
	t.Parallel()
	r, bus := newTestRegistry(t)
	ch, unsub := bus.SubscribeTypes(16, "device")
	defer unsub()

	var healthy atomic.Bool
	healthy.Store(true)
	if err := r.Register("focuser", "focuser", 15*time.Millisecond, func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("serial port gone")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	expect := func(typ string) {
		t.Helper()
		for {
			select {
			case e := <-ch:
				if e.Type == typ {
					return
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("no %s event", typ)
			}
		}
	}

	expect("device.up")
	healthy.Store(false)
	expect("device.down")
	healthy.Store(true)
	expect("device.up")

	info, _ := r.Get("focuser")
	if info.Failures == 0 {
		t.Fatal("failure counter not incremented")
	}
}

func TestUnregisterStopsChecks(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	var checks atomic.Int64
	if err := r.Register("sw", "switch", 15*time.Millisecond, func(context.Context) error {
		checks.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return checks.Load() >= 1 })

	if !r.Unregister("sw") {
		t.Fatal("Unregister should return true")
	}
	if r.Unregister("sw") {
		t.Fatal("second Unregister should return false")
	}

	n := checks.Load()
	time.Sleep(100 * time.Millisecond)
	if checks.Load() > n+1 {
		t.Fatal("checks kept running after Unregister")
	}
	if _, ok := r.Get("sw"); ok {
		t.Fatal("Get should miss after Unregister")
	}
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	if err := r.Register("scope", "telescope", time.Hour, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := r.StatusCommand(context.Background(), map[string]any{"name": "scope"})
	if err != nil {
		t.Fatalf("StatusCommand: %v", err)
	}
	if info, ok := out.(Info); !ok || info.Name != "scope" {
		t.Fatalf("out = %#v", out)
	}

	if _, err := r.StatusCommand(context.Background(), map[string]any{"name": "nope"}); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}

	out, err = r.StatusCommand(context.Background(), nil)
	if err != nil {
		t.Fatalf("StatusCommand: %v", err)
	}
	if list, ok := out.([]Info); !ok || len(list) != 1 {
		t.Fatalf("out = %#v", out)
	}
}

func TestCronHealthCheck(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	var checks atomic.Int64
	err := r.RegisterCron("guide-camera", "camera", "@every 20ms", func(context.Context) error {
		checks.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return checks.Load() >= 2 })
	info, ok := r.Get("guide-camera")
	if !ok || info.State != StateUp {
		t.Fatalf("info = %+v", info)
	}
}

func TestRegisterCronRejectsBadSpec(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	err := r.RegisterCron("mount", "telescope", "every day at noon", func(context.Context) error {
		return nil
	})
	if err == nil {
		t.Fatal("invalid cron spec should fail registration")
	}
	if _, ok := r.Get("mount"); ok {
		t.Fatal("failed registration must not leave a device behind")
	}
}
