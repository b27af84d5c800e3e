//go:build !linux
// +build !linux

package eventloop

import (
	"sync"
	"time"
)

// chanPoller is the fallback readiness mechanism for platforms without
// epoll support in this build. Wakeups and bridged signals flow through
// channels; registered descriptors are accepted but never report
// readiness (descriptor I/O is a Linux deployment concern here).
type chanPoller struct {
	wake chan struct{}
	sig  chan int

	mu     sync.Mutex
	fds    map[int]struct{}
	closed bool
}

func newPoller() (poller, error) {
	return &chanPoller{
		wake: make(chan struct{}, 1),
		sig:  make(chan int, 64),
		fds:  map[int]struct{}{},
	}, nil
}

func (p *chanPoller) register(fd int) error {
	p.mu.Lock()
	p.fds[fd] = struct{}{}
	p.mu.Unlock()
	return nil
}

func (p *chanPoller) notifySignal(signo int) {
	select {
	case p.sig <- signo:
	default:
	}
}

func (p *chanPoller) wakeup() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *chanPoller) poll(timeout time.Duration) ([]readyEvent, error) {
	if timeout <= 0 {
		select {
		case <-p.wake:
			return []readyEvent{{kind: evWake}}, nil
		case signo := <-p.sig:
			return p.drainSignals(signo), nil
		default:
			return nil, nil
		}
	}

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case <-p.wake:
		return []readyEvent{{kind: evWake}}, nil
	case signo := <-p.sig:
		return p.drainSignals(signo), nil
	case <-tmr.C:
		return nil, nil
	}
}

func (p *chanPoller) drainSignals(first int) []readyEvent {
	out := []readyEvent{{kind: evSignal, signal: first}}
	for {
		select {
		case signo := <-p.sig:
			out = append(out, readyEvent{kind: evSignal, signal: signo})
		default:
			return out
		}
	}
}

func (p *chanPoller) close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
