package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
log:
  level: debug
scheduler:
  workers: 4
  poll_interval: 2ms
commands:
  default_timeout: 30s
  max_history_size: 50
devices:
  - name: main-camera
    kind: camera
    check_interval: 5s
`)
	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Fatalf("workers = %d, want 4", cfg.Scheduler.Workers)
	}
	if got := cfg.Commands.DefaultTimeoutOr(0); got.Seconds() != 30 {
		t.Fatalf("default_timeout = %v", got)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Name != "main-camera" {
		t.Fatalf("devices = %+v", cfg.Devices)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"schedular": {"workers": 2}}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("unknown top-level key should fail strict decode")
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
commands:
  default_timeout: thirty seconds
`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("invalid duration should fail validation")
	}
}

func TestValidateDuplicateDeviceNames(t *testing.T) {
	t.Parallel()
	cfg := &Config{Devices: []DeviceConfig{
		{Name: "cam", Kind: "camera"},
		{Name: "cam", Kind: "focuser"},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("duplicate device names should be rejected")
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{Tasks: TasksConfig{MaxActive: 1}}
	b := &Config{Tasks: TasksConfig{MaxActive: 2}}
	m.publish(a)
	m.publish(b)

	got := <-ch
	if got.Tasks.MaxActive != 2 {
		t.Fatalf("subscriber should see the latest config, got MaxActive=%d", got.Tasks.MaxActive)
	}
}

func TestUnsubscribeIsIdempotentAndSafe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	m.Unsubscribe(ch)
	m.publish(&Config{})
}

func TestDurationDefaults(t *testing.T) {
	t.Parallel()
	var s SchedulerConfig
	if got := s.PollIntervalOr(5); got != 5 {
		t.Fatalf("empty duration should default, got %v", got)
	}
	s.PollInterval = "3ms"
	if got := s.PollIntervalOr(5); got.Milliseconds() != 3 {
		t.Fatalf("parsed duration = %v", got)
	}
}

func TestValidateDeviceCron(t *testing.T) {
	t.Parallel()
	cfg := &Config{Devices: []DeviceConfig{
		{Name: "cam", Kind: "camera", CheckCron: "*/5 * * * *"},
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid cron spec rejected: %v", err)
	}

	cfg.Devices[0].CheckCron = "every five minutes"
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid cron spec should be rejected")
	}
}
