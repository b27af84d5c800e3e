package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration document (YAML or JSON on disk).
// Duration fields are strings ("250ms", "1m30s") parsed on access so a
// hand-edited file fails loudly instead of silently defaulting.
type Config struct {
	Log       LogConfig       `json:"log"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Commands  CommandsConfig  `json:"commands"`
	Tasks     TasksConfig     `json:"tasks"`
	Storage   StorageConfig   `json:"storage"`
	Watchdog  WatchdogConfig  `json:"watchdog"`
	Devices   []DeviceConfig  `json:"devices"`
}

type LogConfig struct {
	Level   string `json:"level"`
	Console *bool  `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// SchedulerConfig is the event loop's externally configured surface.
// Worker count is the one knob collaborators care about; the rest are
// tuning escape hatches with safe defaults.
type SchedulerConfig struct {
	Workers        int    `json:"workers"`
	BatchSize      int    `json:"batch_size"`
	PollInterval   string `json:"poll_interval"`
	IdleBackoffMax string `json:"idle_backoff_max"`
	WarnPerMinute  int    `json:"warn_per_minute"`
}

type CommandsConfig struct {
	DefaultTimeout string `json:"default_timeout"`
	MaxHistorySize int    `json:"max_history_size"`
}

type TasksConfig struct {
	MaxActive int `json:"max_active"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // "", "none", "file", "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
	Retention   string `json:"retention"` // prune records older than this
}

type WatchdogConfig struct {
	Enabled bool `json:"enabled"`
}

type DeviceConfig struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"` // camera | focuser | telescope | switch
	CheckInterval string `json:"check_interval"`
	CheckCron     string `json:"check_cron"`
}

// Validate parses every duration field and checks cross-field constraints.
func (c *Config) Validate() error {
	if _, err := parseDur("scheduler.poll_interval", c.Scheduler.PollInterval, 0); err != nil {
		return err
	}
	if _, err := parseDur("scheduler.idle_backoff_max", c.Scheduler.IdleBackoffMax, 0); err != nil {
		return err
	}
	if _, err := parseDur("commands.default_timeout", c.Commands.DefaultTimeout, 0); err != nil {
		return err
	}
	if _, err := parseDur("storage.busy_timeout", c.Storage.BusyTimeout, 0); err != nil {
		return err
	}
	if _, err := parseDur("storage.retention", c.Storage.Retention, 0); err != nil {
		return err
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	seen := map[string]bool{}
	for i, d := range c.Devices {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("devices[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if d.CheckCron != "" {
			if _, err := cron.ParseStandard(d.CheckCron); err != nil {
				return fmt.Errorf("devices[%d].check_cron: invalid spec %q: %v", i, d.CheckCron, err)
			}
		} else if _, err := parseDur(fmt.Sprintf("devices[%d].check_interval", i), d.CheckInterval, 0); err != nil {
			return err
		}
	}
	return nil
}

// PollInterval returns the parsed scheduler poll interval, or def.
func (c SchedulerConfig) PollIntervalOr(def time.Duration) time.Duration {
	d, err := parseDur("", c.PollInterval, def)
	if err != nil {
		return def
	}
	return d
}

func (c SchedulerConfig) IdleBackoffMaxOr(def time.Duration) time.Duration {
	d, err := parseDur("", c.IdleBackoffMax, def)
	if err != nil {
		return def
	}
	return d
}

func (c CommandsConfig) DefaultTimeoutOr(def time.Duration) time.Duration {
	d, err := parseDur("", c.DefaultTimeout, def)
	if err != nil {
		return def
	}
	return d
}

func (c StorageConfig) RetentionOr(def time.Duration) time.Duration {
	d, err := parseDur("", c.Retention, def)
	if err != nil {
		return def
	}
	return d
}

func (c StorageConfig) BusyTimeoutOr(def time.Duration) time.Duration {
	d, err := parseDur("", c.BusyTimeout, def)
	if err != nil {
		return def
	}
	return d
}

func (d DeviceConfig) CheckIntervalOr(def time.Duration) time.Duration {
	v, err := parseDur("", d.CheckInterval, def)
	if err != nil {
		return def
	}
	return v
}

// parseDur parses a duration string; empty or zero falls back to def.
func parseDur(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// ConsoleEnabled defaults to true when unset.
func (c LogConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}
