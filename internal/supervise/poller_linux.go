//go:build linux

package supervise

import (
	"time"

	"golang.org/x/sys/unix"
)

// poller waits for the pty master to become readable. On linux this is
// a single-fd epoll set, which unlike select keeps working for fds
// above 1024.
type poller struct {
	epfd int
}

func newPoller(fd int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	return &poller{epfd: epfd}, nil
}

// wait blocks up to d for readability. A false return with nil error
// means the wait timed out.
func (p *poller) wait(d time.Duration) (bool, error) {
	events := make([]unix.EpollEvent, 1)
	for {
		n, err := unix.EpollWait(p.epfd, events, int(d.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}

func (p *poller) close() {
	unix.Close(p.epfd)
}
