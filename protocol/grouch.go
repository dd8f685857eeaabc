package protocol

import (
	"context"
	"encoding/binary"
	"io"
)

const grouchCue = "*LOAD*"

// CueDetector watches the serial->host stream for the grouch cue string
// before a transfer starts; waitForCue feeds every inbound chunk through
// Feed and the Grouch engine starts once it reports true.
type CueDetector struct {
	matched int
}

// Feed scans buf for the next unseen byte of the cue. It returns true the
// moment the full cue has been seen, and resets its own state afterwards
// so a second cue can be detected later in the session.
func (c *CueDetector) Feed(buf []byte) bool {
	for _, b := range buf {
		if b == 0 {
			// Stray NULs show up on some links; the original ignored them.
			continue
		}
		if grouchCue[c.matched] == b {
			c.matched++
			if c.matched == len(grouchCue) {
				c.matched = 0
				return true
			}
		} else if grouchCue[0] == b {
			c.matched = 1
		} else {
			c.matched = 0
		}
	}
	return false
}

// Grouch streams source to the peer framed as '*' + big-endian length,
// followed by the file bytes, followed by a big-endian running byte sum.
// While streaming it keeps echoing anything the peer sends back to Echo,
// exactly like a plain terminal would, since grouch's target typically
// chatters progress messages back over the same link.
func Grouch(ctx context.Context, sess *Session, source io.ReadSeeker) error {
	length, err := source.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := source.Seek(0, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, 4096)
	buf[0] = '*'
	binary.BigEndian.PutUint32(buf[1:5], uint32(length))
	inBuf := 5

	var sum uint32
	wroteSum := false
	done := false

	echoBuf := make([]byte, 256)
	for !done || inBuf > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if n, _ := sess.Port.Read(echoBuf); n > 0 {
			sess.Echo.Write(echoBuf[:n])
		}

		n, err := source.Read(buf[inBuf:])
		switch {
		case err != nil && err != io.EOF:
			return err
		case n == 0:
			if wroteSum {
				done = true
			} else if inBuf < len(buf)-4 {
				binary.BigEndian.PutUint32(buf[inBuf:inBuf+4], sum)
				inBuf += 4
				sess.logf("grouch complete: host sum = 0x%08x", sum)
				wroteSum = true
			}
		default:
			for _, b := range buf[inBuf : inBuf+n] {
				sum += uint32(b)
			}
			inBuf += n
		}

		if inBuf > 0 {
			if err := sess.Port.SafeWrite(buf[:inBuf]); err != nil {
				return err
			}
			inBuf = 0
		}
	}
	return nil
}
