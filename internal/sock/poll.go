package sock

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Readiness event bits for PollItem.Events and PollItem.Revents.
const (
	EventIn  = unix.POLLIN
	EventOut = unix.POLLOUT
	EventErr = unix.POLLERR
	EventHup = unix.POLLHUP
)

// PollItem pairs a socket with the events of interest. After Poll
// returns, Revents holds the ready mask.
type PollItem struct {
	Sock    *Socket
	Events  int16
	Revents int16
}

// Poll waits for readiness on every item, up to timeout. It returns the
// number of ready items; zero means the timeout elapsed. A negative
// timeout blocks indefinitely, except that an empty item list returns
// at once. EINTR is reported as zero ready items so
// the reactor simply runs another iteration.
func Poll(items []PollItem, timeout time.Duration) (int, error) {
	if len(items) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return 0, nil
	}

	fds := make([]unix.PollFd, len(items))
	for i, it := range items {
		fds[i] = unix.PollFd{Fd: int32(it.Sock.FD()), Events: it.Events}
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.Poll(fds, ms)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("poll: %w", err)
	}

	for i := range items {
		items[i].Revents = fds[i].Revents
	}
	return n, nil
}
