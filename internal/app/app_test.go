package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCommandHistoryPersisted(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, fmt.Sprintf(`
log:
  level: error
  console: false
scheduler:
  workers: 2
storage:
  driver: file
  path: %s
`, filepath.Join(dir, "history.jsonl")))

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	inv, err := a.Dispatcher().Dispatch(context.Background(), "device.status", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		recs, err := a.store.RecentRecords(context.Background(), "command", 10)
		if err != nil || len(recs) == 0 {
			return false
		}
		return recs[0].ID == inv.ID && recs[0].Kind == "command" && recs[0].Status == "COMPLETED"
	})
}

func TestDeviceCronFromConfig(t *testing.T) {
	cfgPath := writeTestConfig(t, `
log:
  level: error
  console: false
scheduler:
  workers: 1
devices:
  - name: guide-camera
    kind: camera
    check_cron: "@every 25ms"
`)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	waitFor(t, 5*time.Second, func() bool {
		info, ok := a.Devices().Get("guide-camera")
		return ok && info.Checks >= 2
	})
}
