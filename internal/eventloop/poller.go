package eventloop

import "time"

type eventKind uint8

const (
	// evWake is the no-op event used solely to unblock a poll so newly
	// submitted work is not delayed by a stale timeout.
	evWake eventKind = iota
	// evSignal carries an OS signal number, bridged out of the signal
	// handler context into the normal worker path.
	evSignal
	// evData marks a registered descriptor readable. The loop only traces
	// it; actual I/O belongs to whichever module registered the fd.
	evData
)

type readyEvent struct {
	kind   eventKind
	signal int
	fd     int
}

// poller wraps the platform readiness mechanism plus a private wakeup
// channel. A transient poll failure (interrupted syscall) is reported as
// "no events", never as fatal.
type poller interface {
	// register adds a descriptor to the readiness set.
	register(fd int) error
	// notifySignal injects a delivered signal as a readiness event.
	// Called from the signal forwarder goroutine, never from a handler.
	notifySignal(signo int)
	// wakeup unblocks one pending poll promptly.
	wakeup()
	// poll blocks up to timeout and returns the ready events.
	poll(timeout time.Duration) ([]readyEvent, error)
	close() error
}
