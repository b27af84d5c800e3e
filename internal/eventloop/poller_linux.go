//go:build linux
// +build linux

package eventloop

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller multiplexes registered descriptors, a wakeup eventfd, and a
// self-pipe carrying bridged signal numbers through one epoll instance.
//
// Signals are never handled in signal-handler context: the forwarder
// writes the signal number into the pipe and a worker consumes it as an
// ordinary readable-descriptor event.
type epollPoller struct {
	epfd   int
	wakefd int
	sigr   int
	sigw   int

	mu     sync.Mutex
	closed bool
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	var pipefds [2]int
	if err := unix.Pipe2(pipefds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("pipe2: %w", err)
	}

	p := &epollPoller{epfd: epfd, wakefd: wakefd, sigr: pipefds[0], sigw: pipefds[1]}
	for _, fd := range []int{wakefd, pipefds[0]} {
		if err := p.register(fd); err != nil {
			p.close()
			return nil, err
		}
	}
	return p, nil
}

func (p *epollPoller) register(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) wakeup() {
	var buf [8]byte
	buf[0] = 1
	// EAGAIN means the counter is already non-zero; a wakeup is pending.
	_, _ = unix.Write(p.wakefd, buf[:])
}

func (p *epollPoller) notifySignal(signo int) {
	_, _ = unix.Write(p.sigw, []byte{byte(signo)})
}

func (p *epollPoller) poll(timeout time.Duration) ([]readyEvent, error) {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	if ms < 0 {
		ms = 0
	}

	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			// Interrupted poll: treat as no events and let the caller retry.
			return nil, nil
		}
		return nil, err
	}

	var out []readyEvent
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		switch fd {
		case p.wakefd:
			var buf [8]byte
			_, _ = unix.Read(p.wakefd, buf[:])
			out = append(out, readyEvent{kind: evWake})
		case p.sigr:
			var buf [64]byte
			rn, _ := unix.Read(p.sigr, buf[:])
			for j := 0; j < rn; j++ {
				out = append(out, readyEvent{kind: evSignal, signal: int(buf[j])})
			}
		default:
			out = append(out, readyEvent{kind: evData, fd: fd})
		}
	}
	return out, nil
}

func (p *epollPoller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, fd := range []int{p.sigw, p.sigr, p.wakefd, p.epfd} {
		if fd > 0 {
			unix.Close(fd)
		}
	}
	return nil
}
