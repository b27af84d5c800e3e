package logx

import (
	"golang.org/x/time/rate"
)

// Throttle gates repetitive hot-path log lines (queue drops, poller errors)
// so a misbehaving component cannot flood the sinks.
//
// The zero value is unusable; use NewThrottle.
type Throttle struct {
	lim *rate.Limiter
}

// NewThrottle allows roughly perMinute lines per minute with a small burst.
func NewThrottle(perMinute int) *Throttle {
	if perMinute <= 0 {
		perMinute = 6
	}
	burst := perMinute / 3
	if burst < 1 {
		burst = 1
	}
	return &Throttle{lim: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)}
}

// Allow reports whether the caller may emit another line now.
func (t *Throttle) Allow() bool {
	if t == nil || t.lim == nil {
		return true
	}
	return t.lim.Allow()
}
