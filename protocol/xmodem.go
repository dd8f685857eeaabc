package protocol

import (
	"context"
	"time"
)

const (
	xmodemHeaderBytes    = 3
	xmodemDataBytes      = 1024
	xmodemShortDataBytes = 128

	xmodemPad       = 0x1a
	xmodemTypeShort = 0x01
	xmodemTypeLong  = 0x02
	xmodemAck       = 0x06
	xmodemNak       = 0x15
	xmodemUseCRC16  = 0x43
	xmodemDone      = 0x04
)

// xmodemBlock is one XMODEM frame: type/block/~block header, a
// fixed-size data payload (short or long), and a 1- or 2-byte checksum
// trailer, all addressed by offset so sum8/crc can extend it in place.
type xmodemBlock struct {
	short bool
	buf   []byte // header + data + room for a 2-byte checksum
}

func newXmodemBlock(short bool) *xmodemBlock {
	n := xmodemDataBytes
	if short {
		n = xmodemShortDataBytes
	}
	return &xmodemBlock{short: short, buf: make([]byte, xmodemHeaderBytes+n+2)}
}

func (b *xmodemBlock) dataLen() int {
	if b.short {
		return xmodemShortDataBytes
	}
	return xmodemDataBytes
}

func (b *xmodemBlock) data() []byte {
	return b.buf[xmodemHeaderBytes : xmodemHeaderBytes+b.dataLen()]
}

// loadXmodemBlock builds block number blk from the front of image,
// padding short reads with 0x1a, and returns the number of image bytes
// consumed.
func loadXmodemBlock(image []byte, blk int, force128 bool) (*xmodemBlock, int) {
	short := force128 || len(image) <= xmodemShortDataBytes
	b := newXmodemBlock(short)
	if short {
		b.buf[0] = xmodemTypeShort
	} else {
		b.buf[0] = xmodemTypeLong
	}
	b.buf[1] = byte(blk)
	b.buf[2] = byte(255 - blk)

	take := len(image)
	if take > b.dataLen() {
		take = b.dataLen()
	}
	copy(b.data(), image[:take])
	for i := take; i < b.dataLen(); i++ {
		b.data()[i] = xmodemPad
	}
	return b, take
}

// sum8 appends a simple 8-bit running checksum, the fallback negotiated
// on a NAK start byte.
func (b *xmodemBlock) sum8() {
	var sum byte
	for _, v := range b.data() {
		sum += v
	}
	b.buf[xmodemHeaderBytes+b.dataLen()] = sum
	b.buf = b.buf[:xmodemHeaderBytes+b.dataLen()+1]
}

// crc appends the 2-byte CRC-16/CCITT trailer, negotiated on a 'C' start
// byte.
func (b *xmodemBlock) crc() {
	crc := crc16(b.data())
	b.buf[xmodemHeaderBytes+b.dataLen()] = byte(crc >> 8)
	b.buf[xmodemHeaderBytes+b.dataLen()+1] = byte(crc)
	b.buf = b.buf[:xmodemHeaderBytes+b.dataLen()+2]
}

// XMODEM drives an XMODEM(-CRC) send of image over the session. force128
// pins every block to the 128-byte short form (the "xmodem128" protocol
// name); otherwise a block is short only when the image bytes still to
// send fit in 128 bytes, and long (1024 bytes) before that.
func XMODEM(ctx context.Context, sess *Session, image []byte, force128 bool) error {
	blk := 1
	block, taken := loadXmodemBlock(image, blk, force128)
	image = image[taken:]
	blk++

	useCRC16, err := xmodemNegotiateStart(ctx, sess)
	if err != nil {
		return err
	}
	if useCRC16 {
		block.crc()
	} else {
		block.sum8()
	}

	sess.logf("XMODEM start detected, uploading image")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sess.logf("XMODEM: send %d bytes (%d remain)", taken, len(image))
		if err := sess.Port.SafeWrite(block.buf); err != nil {
			return err
		}

		rx, err := xmodemGetByte(ctx, sess)
		if err != nil {
			return err
		}
		if rx != xmodemAck {
			continue // anything but ACK means resend the same block
		}

		if len(image) == 0 {
			break
		}
		block, taken = loadXmodemBlock(image, blk, force128)
		image = image[taken:]
		blk++
		if useCRC16 {
			block.crc()
		} else {
			block.sum8()
		}
	}

	if err := sess.Port.SafeWrite([]byte{xmodemDone}); err != nil {
		return err
	}
	sess.logf("XMODEM complete")
	return nil
}

// xmodemNegotiateStart waits for the receiver's opening byte: NAK selects
// the 8-bit-sum checksum, 'C' selects CRC-16. Any other byte read while
// waiting is echoed to the operator, matching the original's behavior of
// showing garbage on the line while autobaud/negotiation settles.
func xmodemNegotiateStart(ctx context.Context, sess *Session) (useCRC16 bool, err error) {
	for {
		b, err := xmodemGetByte(ctx, sess)
		if err != nil {
			return false, err
		}
		switch b {
		case xmodemNak:
			return false, nil
		case xmodemUseCRC16:
			return true, nil
		default:
			sess.Echo.Write([]byte{byte(b)})
		}
	}
}

func xmodemGetByte(ctx context.Context, sess *Session) (int, error) {
	buf := make([]byte, 1)
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		n, err := sess.Port.ReadTimeout(buf, 200*time.Millisecond)
		if err != nil {
			return 0, err
		}
		if n == 1 {
			return int(buf[0]), nil
		}
	}
}
