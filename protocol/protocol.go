// Package protocol implements the three wire protocols the console can
// drive a boot stage over: the grouch cue-and-stream loader, XMODEM, and
// the Kinetis bootloader packet protocol (binary and S-record flavors).
package protocol

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Port is the subset of the serial transport every protocol engine needs:
// non-blocking read/write for the tight poll loops, and a blocking
// SafeWrite for frames that must go out whole before the engine proceeds.
type Port interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	SafeWrite([]byte) error
	ReadTimeout([]byte, time.Duration) (int, error)
}

// Session bundles what every engine needs beyond the boot image itself:
// the transport, somewhere to echo bytes the peer sends while the engine
// is driving (so the operator isn't left looking at a frozen terminal),
// and a logger for the banners the original printed to stderr.
type Session struct {
	Port Port
	Echo io.Writer
	Log  *logrus.Entry
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.Log != nil {
		s.Log.Infof(format, args...)
	}
}
