package ttyctl

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// makeRaw is the only piece of this package that doesn't require a real
// tty fd to exercise: EnterRaw/Restore need actual ioctl/fcntl syscalls
// against a controlling terminal, which isn't available in a test
// sandbox, but the flag arithmetic they apply is plain data
// transformation and is worth pinning down directly.
func TestMakeRawClearsCanonicalAndEchoFlags(t *testing.T) {
	var term unix.Termios
	term.Iflag = unix.IGNBRK | unix.ICRNL | unix.IXON
	term.Oflag = unix.OPOST
	term.Lflag = unix.ECHO | unix.ICANON | unix.ISIG | unix.IEXTEN
	term.Cflag = unix.CSIZE | unix.PARENB

	makeRaw(&term)

	require.Equal(t, uint32(0), uint32(term.Iflag)&(unix.IGNBRK|unix.ICRNL|unix.IXON))
	require.Equal(t, uint32(0), uint32(term.Oflag)&unix.OPOST)
	require.Equal(t, uint32(0), uint32(term.Lflag)&(unix.ECHO|unix.ICANON|unix.ISIG|unix.IEXTEN))
	require.Equal(t, uint32(unix.CS8), uint32(term.Cflag)&unix.CS8)
	require.Equal(t, byte(1), term.Cc[unix.VMIN])
	require.Equal(t, byte(0), term.Cc[unix.VTIME])
}

func TestMakeRawIsIdempotent(t *testing.T) {
	var term unix.Termios
	makeRaw(&term)
	first := term
	makeRaw(&term)
	require.Equal(t, first, term)
}
