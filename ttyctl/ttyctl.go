// Package ttyctl puts the operator's controlling terminal into the raw,
// non-blocking mode the console reactor needs, and restores it on exit.
// It is the tty-side counterpart to the serial package's termios
// plumbing, built on the same ioctl numbers but reached through
// golang.org/x/sys/unix since this fd is never a serial line and has no
// need for the serial package's baud/flow-control surface.
package ttyctl

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// State is a tty's termios and fd-flags snapshot, taken before entering
// raw mode so Restore can put things back exactly as they were.
type State struct {
	fd       int
	termios  unix.Termios
	fdFlags  int
	restored bool
}

// EnterRaw snapshots fd's current terminal settings, then switches it to
// raw mode with ISIG cleared (control characters like C-c must reach the
// remote device, not send us a signal) and OPOST set (so a bare '\n'
// written to the tty still advances to the start of the next line).
// The fd is also switched to non-blocking reads, matching the reactor's
// poll-then-read pattern.
func EnterRaw(fd int) (*State, error) {
	orig, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("ttyctl: get termios: %w", err)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return nil, fmt.Errorf("ttyctl: get fd flags: %w", err)
	}

	raw := *orig
	makeRaw(&raw)
	raw.Lflag &^= unix.ISIG
	raw.Oflag |= unix.OPOST

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return nil, fmt.Errorf("ttyctl: set termios: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("ttyctl: set nonblocking: %w", err)
	}

	return &State{fd: fd, termios: *orig, fdFlags: flags}, nil
}

// Restore puts the tty back exactly as EnterRaw found it. Safe to call
// more than once.
func (s *State) Restore() error {
	if s.restored {
		return nil
	}
	s.restored = true
	if err := unix.IoctlSetTermios(s.fd, unix.TCSETS, &s.termios); err != nil {
		return fmt.Errorf("ttyctl: restore termios: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(s.fd), unix.F_SETFL, s.fdFlags); err != nil {
		return fmt.Errorf("ttyctl: restore fd flags: %w", err)
	}
	return nil
}

// makeRaw applies the standard cfmakeraw transformation by hand: x/sys
// ships the ioctl numbers but not the libc convenience function.
func makeRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}
