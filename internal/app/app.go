// Package app wires the server together: config, logging, storage, the
// event loop, and its collaborators.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"syscall"
	"time"

	"starloop/internal/config"
	"starloop/internal/device"
	"starloop/internal/dispatch"
	"starloop/internal/eventbus"
	"starloop/internal/eventloop"
	"starloop/internal/runtime/supervisor"
	"starloop/internal/storage"
	"starloop/internal/taskman"
	"starloop/internal/watchdog"
	logx "starloop/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logs   *logx.Service
	log    logx.Logger

	store   storage.Store
	loop    *eventloop.Loop
	bus     eventbus.Bus
	disp    *dispatch.Dispatcher
	tasks   *taskman.Manager
	devices *device.Registry

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("svc", "starloopd"))
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutOr(0),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	loop := eventloop.New(eventloop.Config{
		Workers:        cfg.Scheduler.Workers,
		BatchSize:      cfg.Scheduler.BatchSize,
		PollInterval:   cfg.Scheduler.PollIntervalOr(0),
		IdleBackoffMax: cfg.Scheduler.IdleBackoffMaxOr(0),
		WarnPerMinute:  cfg.Scheduler.WarnPerMinute,
	}, log.With(logx.String("comp", "loop")))

	bus := eventbus.New()
	a := &App{
		cfgMgr:  mgr,
		logs:    logs,
		log:     log,
		store:   store,
		loop:    loop,
		bus:     bus,
		devices: device.NewRegistry(loop, bus, log.With(logx.String("comp", "device"))),
	}
	a.disp = dispatch.New(loop, bus, log.With(logx.String("comp", "dispatch")), dispatch.Options{
		DefaultTimeout: cfg.Commands.DefaultTimeoutOr(30 * time.Second),
		HistorySize:    cfg.Commands.MaxHistorySize,
	})
	a.tasks = taskman.New(loop, bus, store, log.With(logx.String("comp", "taskman")), taskman.Options{
		MaxActive: cfg.Tasks.MaxActive,
	})

	a.registerBuiltins()
	return a, nil
}

func (a *App) Loop() *eventloop.Loop            { return a.loop }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Tasks() *taskman.Manager          { return a.tasks }
func (a *App) Devices() *device.Registry        { return a.devices }
func (a *App) Bus() eventbus.Bus                { return a.bus }

func (a *App) registerBuiltins() {
	a.disp.Register("device.status", a.devices.StatusCommand)
	a.disp.Register("task.list", func(_ context.Context, _ map[string]any) (any, error) {
		return a.tasks.ListActive(), nil
	})
	a.disp.Register("task.cancel", func(_ context.Context, params map[string]any) (any, error) {
		id, _ := params["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("task.cancel: id param is required")
		}
		return a.tasks.Cancel(id), nil
	})
	a.disp.Register("loop.stats", func(_ context.Context, _ map[string]any) (any, error) {
		return a.loop.Snapshot(), nil
	})
	a.disp.Register("history.recent", func(ctx context.Context, params map[string]any) (any, error) {
		if a.store == nil {
			return nil, storage.ErrDisabled
		}
		kind, _ := params["kind"].(string)
		limit := 0
		if f, ok := params["limit"].(float64); ok {
			limit = int(f)
		}
		return a.store.RecentRecords(ctx, kind, limit)
	})
}

// Start brings the loop up, arms the watchdog, and begins watching the
// config file for hot reloads.
func (a *App) Start(ctx context.Context) error {
	if err := a.loop.Run(); err != nil {
		return err
	}

	cfg := a.cfgMgr.Get()
	for _, d := range cfg.Devices {
		probe := defaultProbe(d)
		var err error
		if d.CheckCron != "" {
			err = a.devices.RegisterCron(d.Name, d.Kind, d.CheckCron, probe)
		} else {
			err = a.devices.Register(d.Name, d.Kind, d.CheckIntervalOr(30*time.Second), probe)
		}
		if err != nil {
			return fmt.Errorf("register device %s: %w", d.Name, err)
		}
	}

	if cfg.Watchdog.Enabled {
		enabled, _, err := watchdog.Start(a.loop, a.log.With(logx.String("comp", "watchdog")))
		if err != nil {
			a.log.Warn("watchdog init failed", logx.Err(err))
		} else if !enabled {
			a.log.Debug("watchdog requested but not under systemd supervision")
		}
	}

	if a.store != nil {
		if retention := cfg.Storage.RetentionOr(0); retention > 0 {
			if _, err := a.loop.SchedulePeriodic(time.Hour, 0, func(ctx context.Context) error {
				n, err := a.store.Prune(ctx, time.Now().Add(-retention))
				if err != nil {
					return err
				}
				if n > 0 {
					a.log.Debug("history pruned", logx.Int("records", n))
				}
				return nil
			}); err != nil {
				return err
			}
		}
	}

	// SIGHUP rides the loop's signal bridge, so the reload itself runs as a
	// task serialized with everything else.
	a.loop.RegisterSignal(syscall.SIGHUP, a.reload)

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	a.sup.Go("config-watch", func(ctx context.Context) error {
		return a.cfgMgr.Watch(ctx)
	})
	a.sup.Go0("bus-tap", func(ctx context.Context) {
		events, unsub := a.bus.SubscribeTypes(64, "command", "device")
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.tap(ctx, e)
			}
		}
	})
	a.sup.Go0("config-apply", func(ctx context.Context) {
		updates := a.cfgMgr.Subscribe(1)
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.apply(cfg)
			}
		}
	})

	a.log.Info("started",
		logx.Int("workers", a.loop.Snapshot().Workers),
		logx.String("storage", cfg.Storage.Driver),
		logx.Int("devices", len(cfg.Devices)),
	)
	return nil
}

// tap observes the telemetry bus: terminal command invocations become
// history records, device transitions get an operator log line. Task
// records are persisted by the task manager itself.
func (a *App) tap(ctx context.Context, e eventbus.Event) {
	switch {
	case strings.HasPrefix(e.Type, "command."):
		inv, ok := e.Data.(dispatch.Invocation)
		if !ok || !inv.Status.Terminal() || a.store == nil {
			return
		}
		rec := storage.Record{
			ID:       inv.ID,
			Kind:     "command",
			Name:     inv.Command,
			Status:   string(inv.Status),
			Error:    inv.Error,
			Params:   marshalJSON(inv.Params),
			Result:   marshalJSON(inv.Result),
			Created:  inv.Submitted,
			Finished: inv.Finished,
		}
		if !inv.Started.IsZero() {
			rec.TookMS = inv.Finished.Sub(inv.Started).Milliseconds()
		}
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.store.AppendRecord(wctx, rec); err != nil {
			a.log.Warn("command record not persisted", logx.String("id", inv.ID), logx.Err(err))
		}
	case strings.HasPrefix(e.Type, "device."):
		info, ok := e.Data.(device.Info)
		if !ok {
			return
		}
		a.log.Info("device transition",
			logx.String("event", e.Type),
			logx.String("device", info.Name),
			logx.String("err", info.LastError),
		)
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

// reload re-reads the config file on SIGHUP. The fsnotify watcher usually
// beats us to it; the content hash in the manager makes the overlap
// harmless.
func (a *App) reload() {
	cfg, err := a.cfgMgr.Load()
	if err != nil {
		a.log.Warn("reload failed", logx.Err(err))
		return
	}
	a.apply(cfg)
	a.log.Info("config reloaded")
}

// apply handles the hot-reloadable subset: log sinks and levels. Worker
// count and storage driver need a restart.
func (a *App) apply(cfg *config.Config) {
	a.logs.Apply(logConfig(cfg))
}

func (a *App) Stop(ctx context.Context) error {
	watchdog.NotifyStopping()
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	a.loop.Stop()
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	}
}

// defaultProbe is the stand-in health check for configured devices until a
// controller transport registers a real one via Devices().
func defaultProbe(d config.DeviceConfig) device.CheckFunc {
	_ = d
	return func(ctx context.Context) error {
		return ctx.Err()
	}
}
