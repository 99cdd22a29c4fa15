//go:build !linux

package supervise

import (
	"time"

	"golang.org/x/sys/unix"
)

// poller waits for the pty master to become readable via poll(2).
type poller struct {
	fd int
}

func newPoller(fd int) (*poller, error) {
	return &poller{fd: fd}, nil
}

// wait blocks up to d for readability. A false return with nil error
// means the wait timed out.
func (p *poller) wait(d time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(d.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}

func (p *poller) close() {}
