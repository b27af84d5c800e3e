//go:build linux
// +build linux

package watchdog

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"starloop/internal/eventloop"
	logx "starloop/pkg/logx"
)

// Start notifies systemd READY and, when watchdog supervision is active,
// schedules pings through the event loop at half the configured interval.
// Routing the ping through the loop means a wedged worker pool stops the
// pings and systemd restarts the process.
//
// Returns (enabled, taskID, err); enabled is false outside systemd or when
// WatchdogSec is unset.
func Start(loop *eventloop.Loop, log logx.Logger) (bool, uint64, error) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return false, 0, err
	}
	if interval <= 0 {
		return false, 0, nil
	}

	ping := interval / 2
	if ping < time.Second {
		ping = time.Second
	}
	id, err := loop.SchedulePeriodic(ping, 0, func(context.Context) error {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	if !log.IsZero() {
		log.Info("systemd watchdog enabled",
			logx.Duration("interval", interval),
			logx.Duration("ping", ping),
		)
	}
	return true, id, nil
}

// NotifyStopping tells systemd a clean shutdown has begun.
func NotifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
