package protocol

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"upconsole/serial"
	"upconsole/srec"
	"upconsole/stage"
)

// Kind names the wire protocol an Adapter drives, matching the
// --protocol flag's vocabulary.
type Kind int

const (
	Grouchy Kind = iota
	Xmodem
	Xmodem128
	KinetisBinary
	KinetisSrecord
)

func (k Kind) String() string {
	switch k {
	case Grouchy:
		return "grouch"
	case Xmodem:
		return "xmodem"
	case Xmodem128:
		return "xmodem128"
	case KinetisBinary:
		return "kinetis"
	case KinetisSrecord:
		return "kinetis-s"
	default:
		return "unknown"
	}
}

// ParseKind turns a --protocol flag value into a Kind.
func ParseKind(name string) (Kind, error) {
	for _, k := range []Kind{Grouchy, Xmodem, Xmodem128, KinetisBinary, KinetisSrecord} {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", name)
}

// Adapter wires one of this package's engines up as a stage.Protocol: it
// owns the shared transport and sets baud/flow control on entry to a
// stage, then runs the chosen engine to completion over that transport.
type Adapter struct {
	Kind Kind
	Port *serial.Port
	Echo io.Writer
	Log  *logrus.Entry
}

func (a *Adapter) Name() string { return a.Kind.String() }

// Prepare applies the stage's baud rate and flow control before the
// engine starts, the Go equivalent of the original's bio->set_baud call.
func (a *Adapter) Prepare(ctx context.Context, st *stage.Stage) error {
	if a.Log != nil {
		a.Log.Infof("preparing %s stage %q at %d baud", a.Kind, st.FileName, st.Baud)
	}
	return a.Port.SetBaud(st.Baud, st.Flow)
}

func (a *Adapter) session() *Session {
	echo := a.Echo
	if echo == nil {
		echo = io.Discard
	}
	return &Session{Port: a.Port, Echo: echo, Log: a.Log}
}

// Run drives the stage's upload with the engine selected by Kind.
func (a *Adapter) Run(ctx context.Context, st *stage.Stage) error {
	sess := a.session()

	switch a.Kind {
	case Grouchy:
		if err := waitForCue(ctx, sess); err != nil {
			return err
		}
		return Grouch(ctx, sess, st.Reader)
	case Xmodem, Xmodem128:
		image, err := io.ReadAll(st.Reader)
		if err != nil {
			return err
		}
		return XMODEM(ctx, sess, image, a.Kind == Xmodem128)
	case KinetisBinary:
		image, err := io.ReadAll(st.Reader)
		if err != nil {
			return err
		}
		return KinetisBin(ctx, sess, image, st.Offset)
	case KinetisSrecord:
		return KinetisSrec(ctx, sess, srec.NewReader(st.Reader))
	default:
		return fmt.Errorf("protocol: unsupported kind %v", a.Kind)
	}
}

// Complete has nothing to release: the transport outlives the stage, and
// the engines hold no other per-stage resources.
func (a *Adapter) Complete(ctx context.Context, st *stage.Stage) error {
	return nil
}

// waitForCue reads and echoes whatever the peer sends until it prints the
// grouch cue string, mirroring maybe_grouch's behavior of quietly
// watching the link before a grouch stage actually starts streaming.
func waitForCue(ctx context.Context, sess *Session) error {
	var det CueDetector
	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := sess.Port.ReadTimeout(buf, 200*time.Millisecond)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		sess.Echo.Write(buf[:n])
		if det.Feed(buf[:n]) {
			return nil
		}
	}
}
