// Package device tracks the controllers attached to the server (cameras,
// focusers, telescopes, switches) and watches their health on the event
// loop.
package device

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"starloop/internal/eventbus"
	"starloop/internal/eventloop"
	logx "starloop/pkg/logx"
)

var ErrUnknownDevice = errors.New("device: unknown device")

// CheckFunc probes one device. A nil error means the device is healthy.
type CheckFunc func(ctx context.Context) error

// State is the last observed health of a device.
type State string

const (
	StateUnknown State = "UNKNOWN"
	StateUp      State = "UP"
	StateDown    State = "DOWN"
)

// Info is a snapshot of one registered device.
type Info struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	State     State     `json:"state"`
	LastCheck time.Time `json:"last_check,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Checks    uint64    `json:"checks"`
	Failures  uint64    `json:"failures"`
}

type entry struct {
	info   Info
	check  CheckFunc
	taskID uint64
}

// Registry owns the device table and their periodic health checks.
type Registry struct {
	loop *eventloop.Loop
	bus  eventbus.Bus
	log  logx.Logger

	mu      sync.Mutex
	devices map[string]*entry
}

func NewRegistry(loop *eventloop.Loop, bus eventbus.Bus, log logx.Logger) *Registry {
	return &Registry{loop: loop, bus: bus, log: log, devices: map[string]*entry{}}
}

// Register adds a device and schedules its health check every interval.
// Registering an existing name replaces the device and retires the old
// check task.
func (r *Registry) Register(name, kind string, interval time.Duration, check CheckFunc) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return r.register(name, kind, check, func(fn eventloop.TaskFunc) (uint64, error) {
		return r.loop.SchedulePeriodic(interval, 0, fn)
	})
}

// RegisterCron is Register with a cron expression ("*/5 * * * *",
// "@hourly", "@every 90s") instead of a fixed interval.
func (r *Registry) RegisterCron(name, kind, spec string, check CheckFunc) error {
	return r.register(name, kind, check, func(fn eventloop.TaskFunc) (uint64, error) {
		return r.loop.ScheduleCron(spec, 0, fn)
	})
}

func (r *Registry) register(name, kind string, check CheckFunc, schedule func(eventloop.TaskFunc) (uint64, error)) error {
	r.mu.Lock()
	if old, ok := r.devices[name]; ok && old.taskID != 0 {
		r.loop.Cancel(old.taskID)
	}
	e := &entry{
		info:  Info{Name: name, Kind: kind, State: StateUnknown},
		check: check,
	}
	r.devices[name] = e
	r.mu.Unlock()

	id, err := schedule(func(ctx context.Context) error {
		r.runCheck(ctx, name)
		return nil
	})
	if err != nil {
		r.mu.Lock()
		delete(r.devices, name)
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	e.taskID = id
	r.mu.Unlock()
	return nil
}

// Unregister removes a device and cancels its check task.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	e, ok := r.devices[name]
	if ok {
		delete(r.devices, name)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if e.taskID != 0 {
		r.loop.Cancel(e.taskID)
	}
	return true
}

func (r *Registry) runCheck(ctx context.Context, name string) {
	r.mu.Lock()
	e, ok := r.devices[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	check := e.check
	prev := e.info.State
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := check(cctx)
	cancel()

	next := StateUp
	if err != nil {
		next = StateDown
	}

	r.mu.Lock()
	e, ok = r.devices[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.info.State = next
	e.info.LastCheck = time.Now()
	e.info.Checks++
	if err != nil {
		e.info.Failures++
		e.info.LastError = err.Error()
	} else {
		e.info.LastError = ""
	}
	snap := e.info
	r.mu.Unlock()

	if next != prev {
		typ := "device.up"
		if next == StateDown {
			typ = "device.down"
		}
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: typ, Data: snap})
		}
		if !r.log.IsZero() {
			r.log.Info("device state changed",
				logx.String("device", name),
				logx.String("state", string(next)),
				logx.String("err", snap.LastError),
			)
		}
	}
}

// Get returns a snapshot of one device.
func (r *Registry) Get(name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[name]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// List returns snapshots of all devices, sorted by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StatusCommand adapts the registry to the dispatcher's handler shape.
// With a "name" param it reports one device, otherwise all of them.
func (r *Registry) StatusCommand(_ context.Context, params map[string]any) (any, error) {
	if params != nil {
		if name, ok := params["name"].(string); ok && name != "" {
			info, found := r.Get(name)
			if !found {
				return nil, ErrUnknownDevice
			}
			return info, nil
		}
	}
	return r.List(), nil
}
