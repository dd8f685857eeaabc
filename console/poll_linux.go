package console

import (
	"time"

	"golang.org/x/sys/unix"
)

// unixRead performs one non-blocking read, absorbing the would-block and
// interrupted errors the tty fd's O_NONBLOCK mode produces instead of
// treating them as failures.
func unixRead(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// pollRead waits up to timeout for fd to become readable, then performs
// one non-blocking read. Used by the stage-transfer loop to watch the
// tty for a C-a x abort without busy-spinning.
func pollRead(fd int, buf []byte, timeout time.Duration) (int, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN | unix.POLLERR}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		return 0, errHangup
	}
	return unixRead(fd, buf)
}

var errHangup = fmtErr("console: tty hung up")

type fmtErr string

func (e fmtErr) Error() string { return string(e) }
