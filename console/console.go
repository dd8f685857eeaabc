// Package console implements the interactive reactor: a 2-fd poll loop
// over the transport and the operator's tty, line-end translation and
// hex-dump rendering on the serial->host path, the C-a control-key
// demultiplexer on the host->serial path, and handing the active boot
// stage's protocol the transport for the length of its transfer.
package console

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"upconsole/lineend"
	"upconsole/stage"
	"upconsole/upcerr"
)

// Transport is the subset of *serial.Port the reactor needs: a poll
// handle plus non-blocking read/write. Kept as an interface so tests can
// drive the reactor over a fake transport instead of a real tty/serial
// pair.
type Transport interface {
	PollFD() int
	Read([]byte) (int, error)
	Write([]byte) (int, error)
}

// controlState is the C-a prefix FSM's current position.
type controlState int

const (
	ground controlState = iota
	armed
	lineEndPrefix
	lineEndFinal
)

var groans = []string{
	"Did your mother not warn you about strange escape codes?",
	"War never changes",
	"You are in a maze of twisty IPv6 addresses, all the same",
	"The only way to win is not to invoke escape codes at random",
	"Right on, Commander!",
}

const helpText = `
upconsole 0.1

Console help

C-a h                This help message
C-a l                List the boot stages
C-a c                Continue paused boot
C-a <digit>          Select boot stage <digit>
C-a n                Select next boot stage
C-a p                Select previous boot stage
C-a e <c1> <c2>      Change line endings
C-a x                Quit.
C-a C-a              Literal C-a
C-a <anything else>  Send that key as if unprefixed

The C-a e sequence changes the line end encoding in use. The two
following characters select the host and remote encodings; see
--lineend for the names they correspond to. For no encoding, use
C-a e n n.

`

// Console holds everything one interactive session needs: the transport,
// the raw tty fd, the active line-end translators, and the boot-stage
// sequencer it drives.
type Console struct {
	Port      Transport
	TTYFd     int
	TTYOut    io.Writer
	LogWriter io.Writer
	Log       *logrus.Entry
	Sequencer *stage.Sequencer

	mode       lineend.Mode
	fromSerial *lineend.Translator
	toSerial   *lineend.Translator

	hexMode bool
	state   controlState
	trnTag  byte
	groan   int
}

// New builds a console over an already-open transport and tty, with the
// initial line-end mode applied to both directions.
func New(port Transport, ttyFd int, ttyOut io.Writer, logWriter io.Writer, log *logrus.Entry, seq *stage.Sequencer, mode lineend.Mode) *Console {
	return &Console{
		Port:       port,
		TTYFd:      ttyFd,
		TTYOut:     ttyOut,
		LogWriter:  logWriter,
		Log:        log,
		Sequencer:  seq,
		mode:       mode,
		fromSerial: mode.FromSerial(),
		toSerial:   mode.ToSerial(),
	}
}

func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.TTYOut, format, args...)
}

func (c *Console) logf(format string, args ...interface{}) {
	if c.Log != nil {
		c.Log.Infof(format, args...)
	}
}

// Run starts the first boot stage and drives the reactor until the
// session ends: C-a x, a hangup/error on either fd, a protocol failure,
// or ctx being canceled by the caller.
func (c *Console) Run(ctx context.Context) error {
	banner, err := c.Sequencer.Start(ctx)
	if err != nil {
		return err
	}
	c.printf("%s\n", banner)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !c.Sequencer.ConsoleMode {
			if err := c.runActiveStage(ctx); err != nil {
				return err
			}
			continue
		}

		if err := c.tick(ctx); err != nil {
			return err
		}
	}
}

// runActiveStage hands the transport to the active stage's protocol and
// blocks until it completes, while still watching the tty for a C-a x
// abort (and otherwise discarding operator keystrokes: they are not
// meaningful input to a protocol already driving the wire).
func (c *Console) runActiveStage(ctx context.Context) error {
	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		msg, err := c.Sequencer.RunActive(stageCtx)
		if msg != "" {
			c.printf("%s\n", msg)
		}
		done <- err
	}()

	buf := make([]byte, 32)
	for {
		select {
		case err := <-done:
			return err
		default:
		}

		n, err := pollRead(c.TTYFd, buf, 200*time.Millisecond)
		if err != nil {
			cancel()
			<-done
			return err
		}
		if n == 0 {
			continue
		}
		if abort := c.scanForAbort(buf[:n]); abort {
			cancel()
			err := <-done
			c.printf("! upconsole: aborted.\n")
			if err != nil {
				return err
			}
			return upcerr.New(upcerr.UserAbort, "upconsole: user abort")
		}
	}
}

// scanForAbort runs bytes through the control-key FSM far enough to
// notice C-a x; all other control sequences are ignored while a transfer
// owns the transport, matching the idea that stage navigation only makes
// sense in console mode.
func (c *Console) scanForAbort(buf []byte) bool {
	for _, b := range buf {
		switch c.state {
		case armed:
			c.state = ground
			if b == 'x' {
				return true
			}
		default:
			if b == 0x01 {
				c.state = armed
			}
		}
	}
	return false
}

// tick runs one reactor iteration while in console mode: poll both fds
// with a 1s timeout, then service whichever has data.
func (c *Console) tick(ctx context.Context) error {
	serialFD := c.Port.PollFD()
	fds := []unix.PollFd{
		{Fd: int32(serialFD), Events: unix.POLLIN | unix.POLLERR},
		{Fd: int32(c.TTYFd), Events: unix.POLLIN | unix.POLLERR},
	}

	_, err := unix.Poll(fds, 1000)
	if err != nil && err != unix.EINTR {
		return upcerr.Wrap(upcerr.Transport, "upconsole: poll failed", err)
	}
	if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 ||
		fds[1].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		return upcerr.New(upcerr.Transport, fmt.Sprintf("upconsole: I/O failed: fd %d / %#x, fd %d / %#x",
			fds[0].Fd, fds[0].Revents, fds[1].Fd, fds[1].Revents))
	}

	if err := c.serviceSerial(); err != nil {
		return err
	}
	return c.serviceTTY(ctx)
}

// serviceSerial reads whatever the transport has, hex-renders and
// translates it per the active stage's settings, echoes it to the
// operator, and always mirrors the raw bytes to the log sink.
func (c *Console) serviceSerial() error {
	buf := make([]byte, 32)
	n, err := c.Port.Read(buf)
	if err != nil {
		return upcerr.Wrap(upcerr.Transport, "upconsole: serial read failed", err)
	}
	if n == 0 {
		return nil
	}
	raw := buf[:n]

	if c.LogWriter != nil {
		c.LogWriter.Write(raw)
	}

	out := raw
	if c.hexMode {
		out = []byte(hexOf(out))
	}
	out = c.fromSerial.Translate(out)

	if c.echoEnabled() {
		c.TTYOut.Write(out)
	}
	return nil
}

func (c *Console) echoEnabled() bool {
	st := c.Sequencer.Current()
	return st == nil || st.Echo
}

// hexOf rewrites non-printable bytes to "[hh]" literal form, keeping
// bare CR/LF as themselves so multi-line dumps still look like text.
func hexOf(in []byte) string {
	out := make([]byte, 0, len(in))
	for _, b := range in {
		if b == '\n' || b == '\r' || (b >= 0x20 && b < 0x7f) {
			out = append(out, b)
			continue
		}
		out = append(out, []byte(fmt.Sprintf("[%02x]", b))...)
	}
	return string(out)
}

// serviceTTY reads operator keystrokes, demultiplexes the C-a control
// prefix, and writes whatever survives translation to the transport as
// one non-blocking write.
func (c *Console) serviceTTY(ctx context.Context) error {
	buf := make([]byte, 32)
	n, err := unixRead(c.TTYFd, buf)
	if err != nil {
		return upcerr.Wrap(upcerr.Transport, "upconsole: tty read failed", err)
	}
	if n == 0 {
		return upcerr.New(upcerr.Transport, "upconsole: input closed")
	}

	out := make([]byte, 0, 64)
	for _, b := range buf[:n] {
		quit, literal, ok := c.stepControl(ctx, b)
		if quit {
			return upcerr.New(upcerr.UserAbort, "upconsole: user abort")
		}
		if ok {
			out = append(out, c.toSerial.Translate([]byte{literal})...)
		}
	}
	if len(out) > 0 {
		c.Port.Write(out)
	}
	return nil
}

// stepControl advances the C-a FSM by one byte. It returns quit=true on
// C-a x, and ok=true with the literal byte to translate/forward for any
// byte that isn't consumed by the control sequence itself.
func (c *Console) stepControl(ctx context.Context, b byte) (quit bool, literal byte, ok bool) {
	switch c.state {
	case lineEndFinal:
		c.state = ground
		if mode, found := lineend.ParseEscape(c.trnTag, b); found {
			c.mode = mode
			c.fromSerial = mode.FromSerial()
			c.toSerial = mode.ToSerial()
			c.printf("! upconsole: Line end sequence changed.\n")
		} else {
			c.printf("! upconsole: Unknown line end sequence %c%c\n", c.trnTag, b)
		}
		return false, 0, false

	case lineEndPrefix:
		c.trnTag = b
		c.state = lineEndFinal
		return false, 0, false

	case armed:
		c.state = ground
		switch b {
		case 'h':
			c.printf(helpText)
		case 's':
			c.printf("Oh no! Spiders!\n")
		case 'g':
			c.printf("%s\n", groans[c.groan%len(groans)])
			c.groan++
		case 'l':
			c.printf("%s", c.Sequencer.List())
		case 'c':
			c.printf("%s\n", c.Sequencer.Continue())
		case 'x':
			return true, 0, false
		case 'e':
			c.state = lineEndPrefix
		case 'n':
			msg, err := c.Sequencer.Next(ctx)
			c.reportNav(msg, err)
		case 'p':
			msg, err := c.Sequencer.Previous(ctx)
			c.reportNav(msg, err)
		default:
			if b >= '0' && b <= '9' {
				msg, err := c.Sequencer.Select(ctx, int(b-'0'))
				c.reportNav(msg, err)
				return false, 0, false
			}
			// Not a recognized control byte: treat as a literal,
			// translated as if it had arrived unprefixed.
			return false, b, true
		}
		return false, 0, false

	default: // ground
		if b == 0x01 {
			c.state = armed
			return false, 0, false
		}
		return false, b, true
	}
}

func (c *Console) reportNav(msg string, err error) {
	if msg != "" {
		c.printf("%s\n", msg)
	}
	if err != nil {
		c.logf("stage navigation failed: %v", err)
	}
}
