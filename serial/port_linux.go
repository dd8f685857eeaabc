package serial

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"
)

type Termios struct {
	Iflag IFlag      /* input mode flags */
	Oflag OFlag      /* output mode flags */
	Cflag CFlag      /* control mode flags */
	Lflag LFlag      /* local mode flags */
	Line  Discipline /* line discipline */
	Cc    [19]byte   /* control characters */
}

type Termios2 struct {
	Iflag  IFlag      /* input mode flags */
	Oflag  OFlag      /* output mode flags */
	Cflag  CFlag      /* control mode flags */
	Lflag  LFlag      /* local mode flags */
	Line   Discipline /* line discipline */
	Cc     [19]byte   /* control characters */
	ISpeed uint32     /* input speed */
	OSpeed uint32     /* output speed */
}

type IFlag uint32

const (
	IGNBRK = IFlag(0000001)
	BRKINT = IFlag(0000002)
	IGNPAR = IFlag(0000004)
	PARMRK = IFlag(0000010)
	INPCK  = IFlag(0000020)
	ISTRIP = IFlag(0000040)
	INLCR  = IFlag(0000100)
	IGNCR  = IFlag(0000200)
	ICRNL  = IFlag(0000400)
	IXON   = IFlag(0002000)
	IXANY  = IFlag(0004000)
	IXOFF  = IFlag(0010000)
)

type OFlag uint32

const (
	OPOST = OFlag(0000001)
	ONLCR = OFlag(0000004)
)

type CFlag uint32

const (
	CBAUD  = CFlag(0010017)
	B0     = CFlag(0000000)
	B9600  = CFlag(0000015)
	B19200 = CFlag(0000016)
	B38400 = CFlag(0000017)

	CSIZE = CFlag(0000060)
	CS5   = CFlag(0000000)
	CS6   = CFlag(0000020)
	CS7   = CFlag(0000040)
	CS8   = CFlag(0000060)

	CSTOPB = CFlag(0000100)
	CREAD  = CFlag(0000200)
	PARENB = CFlag(0000400)
	PARODD = CFlag(0001000)
	HUPCL  = CFlag(0002000)
	CLOCAL = CFlag(0004000)

	CBAUDEX = CFlag(0010000)
	BOTHER  = CFlag(0010000)

	CRTSCTS = CFlag(020000000000) /* flow control */
)

type LFlag uint32

const (
	ISIG   = LFlag(0000001)
	ICANON = LFlag(0000002)
	ECHO   = LFlag(0000010)
	ECHOE  = LFlag(0000020)
	ECHOK  = LFlag(0000040)
	ECHONL = LFlag(0000100)
	NOFLSH = LFlag(0000200)
	TOSTOP = LFlag(0000400)
	IEXTEN = LFlag(0100000)
)

type Flow uint32

const (
	TCOOFF = Flow(iota)
	TCOON
	TCIOFF
	TCION
)

type Queue uint32

const (
	TCIFLUSH = Queue(iota)
	TCOFLUSH
	TCIOFLUSH
)

type Action int

const (
	TCSANOW = Action(iota)
	TCSADRAIN
	TCSAFLUSH
)

type Discipline byte

const (
	N_TTY = Discipline(iota)
)

var ErrClosed = fmt.Errorf("port already closed")

// FlowControl selects the hardware flow-control mode a stage requests.
type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowRTSCTS
)

// String renders a FlowControl the way boot-stage banners do.
func (f FlowControl) String() string {
	if f == FlowRTSCTS {
		return "rtscts"
	}
	return "none"
}

// ParseFlowControl turns a config-file/flag token into a FlowControl value.
func ParseFlowControl(name string) (FlowControl, error) {
	switch {
	case name == "" || name == "none":
		return FlowNone, nil
	case containsFold(name, "rts") || containsFold(name, "cts"):
		return FlowRTSCTS, nil
	}
	return FlowNone, fmt.Errorf("unknown flow control mode %q", name)
}

func containsFold(s, sub string) bool {
	ls, lsub := len(s), len(sub)
	if lsub == 0 || lsub > ls {
		return lsub == 0
	}
	for i := 0; i+lsub <= ls; i++ {
		if asciiEqualFold(s[i:i+lsub], sub) {
			return true
		}
	}
	return false
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

type Options struct {
	ReadTimeout time.Duration
	OpenMode    int
}

func NewOptions() *Options {
	return &Options{ReadTimeout: -1, OpenMode: syscall.O_RDWR | syscall.O_NOCTTY | syscall.O_NONBLOCK}
}

// Port is the Linux serial transport: the realization of the transport
// capability set (non-blocking read/write, blocking safe-write, poll
// handle, baud/flow-control mutation, ordered disposal). The teacher's
// RS485/modem-line/legacy-UART surface did not survive the adaptation: no
// stage in this loader drives any of that hardware.
type Port struct {
	options         *Options
	closed          atomic.Bool
	f               int
	savedTermios    *Termios
	lastFlowControl FlowControl
}

// Open opens a serial device in non-blocking mode, captures its current
// termios so Dispose can restore it, and switches it into raw mode.
func Open(name string, opts *Options) (*Port, error) {
	if opts == nil {
		opts = NewOptions()
	}
	fd, err := syscall.Open(name, opts.OpenMode, 0)
	if err != nil {
		return nil, err
	}
	p := &Port{options: opts, f: fd}
	saved, err := p.GetAttr()
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}
	p.savedTermios = saved

	raw := *saved
	raw.MakeRaw()
	raw.Cflag |= CLOCAL | CREAD
	raw.Cflag &^= CRTSCTS
	raw.Iflag &^= IXON
	if err := p.SetAttr(TCSANOW, &raw); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return p, nil
}

// Write is the non-blocking write capability: short writes are permitted,
// and a would-block condition is reported as n=0, err=nil rather than an
// error, so callers can retry on the next reactor tick.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	n, err := syscall.Write(p.f, data)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EINTR {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Read is the non-blocking read capability: n=0, err=nil means no data is
// available right now, not end-of-stream.
func (p *Port) Read(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	n, err := syscall.Read(p.f, data)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EINTR {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (p *Port) readTimeout(data []byte, timeout time.Duration) (int, error) {
	if err := poll.WaitInput(p.f, timeout); err != nil {
		return 0, err
	}
	return p.Read(data)
}

// ReadTimeout blocks, via the fdev/poll dependency, until the fd is
// readable or the timeout elapses, then performs a single non-blocking
// read. The console's own reactor instead multiplexes this fd together
// with the tty fd through its own unix.Poll call; this path exists for
// callers (and tests) that only ever need the one fd.
func (p *Port) ReadTimeout(data []byte, timeout time.Duration) (int, error) {
	return p.readTimeout(data, timeout)
}

// SafeWrite is the blocking write capability: it returns only once every
// byte has been written or a fatal error occurs, polling for writability
// between short writes instead of busy-looping.
func (p *Port) SafeWrite(data []byte) error {
	done := 0
	for done < len(data) {
		n, err := p.Write(data[done:])
		if err != nil {
			return err
		}
		done += n
		if done < len(data) {
			fds := []syscall.PollFd{{Fd: int32(p.f), Events: 0x0004 /* POLLOUT */}}
			syscall.Poll(fds, 1000)
		}
	}
	return nil
}

// Fd returns the underlying file descriptor, or -1 once disposed.
func (p *Port) Fd() int {
	if p.closed.Load() {
		return -1
	}
	return p.f
}

// PollFD implements the transport's poll-handle capability for the
// console reactor.
func (p *Port) PollFD() int {
	return p.Fd()
}

// Dispose restores the termios captured at Open and releases the fd. It is
// idempotent: a second call is a no-op.
func (p *Port) Dispose() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.savedTermios != nil {
		p.SetAttr(TCSAFLUSH, p.savedTermios)
	}
	fd := p.f
	p.f = -1
	return syscall.Close(fd)
}

func (p *Port) GetAttr() (*Termios, error) {
	attrs := &Termios{}
	err := ioctl.Ioctl(uintptr(p.f), tcgets, uintptr(unsafe.Pointer(attrs)))
	if err != nil {
		return nil, err
	}
	return attrs, nil
}

func (p *Port) SetAttr(when Action, attrs *Termios) error {
	return ioctl.Ioctl(uintptr(p.f), tcsets+uintptr(when), uintptr(unsafe.Pointer(attrs)))
}

func (p *Port) GetAttr2() (*Termios2, error) {
	attrs := &Termios2{}
	err := ioctl.Ioctl(uintptr(p.f), tcgets2, uintptr(unsafe.Pointer(attrs)))
	if err != nil {
		return nil, err
	}
	return attrs, nil
}

func (p *Port) SetAttr2(when Action, attrs *Termios2) error {
	return ioctl.Ioctl(uintptr(p.f), tcsets2+uintptr(when), uintptr(unsafe.Pointer(attrs)))
}

// Drain waits until all output written to the port has been transmitted.
func (p *Port) Drain() error {
	return ioctl.Ioctl(uintptr(p.f), tcsbrk, 1)
}

// Flush discards data written but not transmitted, or received but not
// read, depending on queue.
func (p *Port) Flush(queue Queue) error {
	return ioctl.Ioctl(uintptr(p.f), tcflsh, uintptr(queue))
}

// Flow suspends or resumes transmission/reception on the port.
func (p *Port) Flow(flow Flow) error {
	return ioctl.Ioctl(uintptr(p.f), tcxonc, uintptr(flow))
}

// SetBaud drains outstanding output, then applies the baud/flow-control
// change. baud == 0 leaves the baud rate untouched, so a flow-control-only
// update still takes effect. Arbitrary baud values go through the
// termios2/BOTHER custom-speed path rather than the fixed Bnnnn table, so
// e.g. 123456 round-trips exactly.
func (p *Port) SetBaud(baud int, flow FlowControl) error {
	if baud == 0 && flow == p.lastFlowControl {
		return nil
	}
	p.Drain()
	time.Sleep(50 * time.Millisecond)

	attrs, err := p.GetAttr2()
	if err != nil {
		return err
	}
	switch flow {
	case FlowNone:
		attrs.Cflag &^= CRTSCTS
		attrs.Iflag &^= IXON
	case FlowRTSCTS:
		attrs.Cflag |= CRTSCTS
		attrs.Iflag &^= IXON
	}
	p.lastFlowControl = flow
	if baud != 0 {
		attrs.SetCustomSpeed(uint32(baud))
	}
	return p.SetAttr2(TCSADRAIN, attrs)
}

// MakeRaw sets attrs to "raw" mode: no echo, no canonical processing, no
// signal generation, 8-bit clean.
func (attrs *Termios) MakeRaw() {
	attrs.Iflag &= ^(IGNBRK | BRKINT | PARMRK | ISTRIP | INLCR | IGNCR | ICRNL | IXON)
	attrs.Oflag &= ^(OPOST)
	attrs.Lflag &= ^(ECHO | ECHONL | ICANON | ISIG | IEXTEN)
	attrs.Cflag &= ^(CSIZE | PARENB)
	attrs.Cflag |= CS8
}

func (attrs *Termios2) MakeRaw() {
	attrs.Iflag &= ^(IGNBRK | BRKINT | PARMRK | ISTRIP | INLCR | IGNCR | ICRNL | IXON)
	attrs.Oflag &= ^(OPOST)
	attrs.Lflag &= ^(ECHO | ECHONL | ICANON | ISIG | IEXTEN)
	attrs.Cflag &= ^(CSIZE | PARENB)
	attrs.Cflag |= CS8
}

// SetCustomSpeed switches the port to the termios2 BOTHER path and sets an
// arbitrary input/output speed, bypassing the fixed Bnnnn constant table.
func (attrs *Termios2) SetCustomSpeed(speed uint32) {
	attrs.Cflag &= ^(CBAUD)
	attrs.Cflag |= BOTHER
	attrs.ISpeed = speed
	attrs.OSpeed = speed
}
