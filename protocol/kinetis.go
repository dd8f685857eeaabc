package protocol

import (
	"context"
	"fmt"

	"upconsole/upcerr"
)

// Kinetis packet framing constants, straight out of the bootloader's wire
// protocol: a start byte, a packet type, and (for command/data frames) a
// 4-byte header followed by a CRC-16/CCITT-protected body.
const (
	pktStart = 0x5a

	pktTypeAck      = 0xa1
	pktTypeNak      = 0xa2
	pktTypeAckAbort = 0xa3
	pktTypeCommand  = 0xa4
	pktTypeData     = 0xa5
	pktTypePing     = 0xa6
	pktTypePingResp = 0xa7

	cmdWriteMemory           = 0x04
	cmdReset                 = 0x0b
	cmdFlashEraseAllUnsecure = 0x0d
	respGenericResponse      = 0xa0

	kinetisRawChunk = 32
)

// kinetisOuterState is the overall write-sequence state machine: ping,
// erase, write-memory, stream data, reset.
type kinetisOuterState int

const (
	stateWaitPingResponse kinetisOuterState = iota
	stateWaitEraseAck
	stateWaitEraseResp
	stateWaitWriteAck
	stateWaitWriteResp
	stateWaitDataAck
	stateWaitDataResp
	stateWaitResetAck
	stateWaitResetResp
)

// kinetisPacket is one fully-framed inbound packet: its type byte and, for
// command/data packets, the whole frame as received (start, type, length,
// CRC, then payload); for a ping response, the 8 bytes after the type.
type kinetisPacket struct {
	kind byte
	body []byte
}

func crcPacketHeaderBody(header, body []byte) uint16 {
	var crc uint16
	for _, b := range header[:4] {
		crc = crcByte(crc, b)
	}
	for _, b := range body {
		crc = crcByte(crc, b)
	}
	return crc
}

func sendPacket(sess *Session, buf []byte) error {
	return sess.Port.SafeWrite(buf)
}

func sendPing(sess *Session) error {
	return sendPacket(sess, []byte{pktStart, pktTypePing})
}

func sendAck(sess *Session) error {
	return sendPacket(sess, []byte{pktStart, pktTypeAck})
}

func sendCommand0(sess *Session, command byte) error {
	buf := make([]byte, 10)
	buf[0], buf[1] = pktStart, pktTypeCommand
	buf[2], buf[3] = 0x04, 0x00
	buf[6] = command
	crc := crcPacketHeaderBody(buf, buf[6:10])
	buf[4], buf[5] = byte(crc), byte(crc>>8)
	return sendPacket(sess, buf)
}

func sendCommand2(sess *Session, command byte, param1, param2 uint32) error {
	buf := make([]byte, 18)
	buf[0], buf[1] = pktStart, pktTypeCommand
	buf[2], buf[3] = 0x0c, 0x00
	buf[6] = command
	buf[9] = 0x02
	putUint32LE(buf[10:14], param1)
	putUint32LE(buf[14:18], param2)
	crc := crcPacketHeaderBody(buf, buf[6:18])
	buf[4], buf[5] = byte(crc), byte(crc>>8)
	return sendPacket(sess, buf)
}

func sendRawData(sess *Session, data []byte) error {
	if len(data) > kinetisRawChunk {
		data = data[:kinetisRawChunk]
	}
	header := make([]byte, 6)
	header[0], header[1] = pktStart, pktTypeData
	header[2] = byte(len(data))
	header[3] = 0
	crc := crcPacketHeaderBody(header, data)
	header[4], header[5] = byte(crc), byte(crc>>8)
	if err := sendPacket(sess, header); err != nil {
		return err
	}
	return sendPacket(sess, data)
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// packetReader reassembles inbound bytes into kinetisPackets; it is fed
// byte-by-byte from whatever chunk the transport returned and resyncs on
// malformed lengths exactly like the original's read_packet.
type packetReader struct {
	state   int
	count   int
	content int
	buf     [256]byte
}

const (
	pktWaitStart = iota
	pktWaitType
	pktReadPingResponse
	pktReadHeader
	pktReadBody
)

// feed consumes buf and returns every complete packet found in it, in
// order.
func (r *packetReader) feed(buf []byte) []kinetisPacket {
	var out []kinetisPacket
	for _, b := range buf {
		switch r.state {
		case pktWaitStart:
			if b == pktStart {
				r.count = 1
				r.buf[0] = pktStart
				r.state = pktWaitType
			}

		case pktWaitType:
			r.buf[1] = b
			r.count = 2
			switch b {
			case pktTypeAck, pktTypeNak, pktTypeAckAbort, pktTypePing:
				r.state = pktWaitStart
				r.count = 0
				out = append(out, kinetisPacket{kind: b})
			case pktTypePingResp:
				r.state = pktReadPingResponse
			case pktTypeCommand, pktTypeData:
				r.state = pktReadHeader
			default:
				r.state = pktWaitStart
				r.count = 0
			}

		case pktReadPingResponse:
			r.buf[r.count] = b
			r.count++
			if r.count == 10 {
				out = append(out, kinetisPacket{kind: pktTypePingResp, body: append([]byte(nil), r.buf[2:10]...)})
				r.state = pktWaitStart
				r.count = 0
			}

		case pktReadHeader:
			r.buf[r.count] = b
			r.count++
			if r.count == 6 {
				r.content = int(r.buf[2]) | int(r.buf[3])<<8
				if r.content > 250 {
					r.state = pktWaitStart
					r.count = 0
					continue
				}
				r.state = pktReadBody
			}

		case pktReadBody:
			r.buf[r.count] = b
			r.count++
			if r.count == r.content+6 {
				kind := r.buf[1]
				out = append(out, kinetisPacket{kind: kind, body: append([]byte(nil), r.buf[:r.count]...)})
				r.state = pktWaitStart
				r.count = 0
			}
		}
	}
	return out
}

// kinetisEngine drives the write-erase-reset sequence over a Kinetis
// bootloader link for a single flat binary image. The S-record variant
// (kinetis_srec.go) is a structurally distinct engine that issues one
// WriteMemory per record instead of reusing this one.
type kinetisEngine struct {
	sess     *Session
	state    kinetisOuterState
	reader   packetReader
	offset   uint32
	image    []byte
	pending  int    // bytes of the most recently sent chunk, for NAK resend
	writeLen uint32 // total length given to the initial WriteMemory, for NAK resend
}

// KinetisBin drives the binary-image flavor of the Kinetis bootloader
// protocol: ping, erase-all, write-memory at offset, stream image in
// 32-byte chunks, reset.
func KinetisBin(ctx context.Context, sess *Session, image []byte, offset uint32) error {
	e := &kinetisEngine{sess: sess, image: image, offset: offset}
	return e.run(ctx)
}

func (e *kinetisEngine) run(ctx context.Context) error {
	if err := sendPing(e.sess); err != nil {
		return err
	}

	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := e.sess.Port.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		for _, pkt := range e.reader.feed(buf[:n]) {
			done, err := e.handle(pkt)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (e *kinetisEngine) handle(pkt kinetisPacket) (done bool, err error) {
	switch pkt.kind {
	case pktTypePing:
		e.sess.logf("kinetis: unexpected ping from peer")

	case pktTypePingResp:
		protoVersion := fmt.Sprintf("%c %d.%d.%d", pkt.body[3], pkt.body[2], pkt.body[1], pkt.body[0])
		e.sess.logf("kinetis: ping response, protocol %s", protoVersion)
		if e.state == stateWaitPingResponse {
			if pkt.body[3] != 'P' {
				return false, upcerr.New(upcerr.ProtocolFraming, "kinetis: peer is not in bootloader mode")
			}
			e.sess.logf("kinetis: erasing flash")
			if err := sendCommand0(e.sess, cmdFlashEraseAllUnsecure); err != nil {
				return false, err
			}
			e.state = stateWaitEraseAck
		}

	case pktTypeAck:
		switch e.state {
		case stateWaitEraseAck, stateWaitResetAck, stateWaitWriteAck:
			e.state++
		case stateWaitDataAck:
			e.image = e.image[e.pending:]
			e.pending = 0
			if len(e.image) == 0 {
				e.state = stateWaitDataResp
				break
			}
			chunk := e.image
			if len(chunk) > kinetisRawChunk {
				chunk = chunk[:kinetisRawChunk]
			}
			if err := sendRawData(e.sess, chunk); err != nil {
				return false, err
			}
			e.pending = len(chunk)
		}

	case pktTypeNak:
		switch e.state {
		case stateWaitEraseAck:
			if err := sendCommand0(e.sess, cmdFlashEraseAllUnsecure); err != nil {
				return false, err
			}
		case stateWaitWriteAck:
			if err := sendCommand2(e.sess, cmdWriteMemory, e.offset, e.writeLen); err != nil {
				return false, err
			}
		case stateWaitResetAck:
			if err := sendCommand0(e.sess, cmdReset); err != nil {
				return false, err
			}
		case stateWaitDataAck:
			resend := e.image
			if len(resend) > e.pending {
				resend = resend[:e.pending]
			}
			if err := sendRawData(e.sess, resend); err != nil {
				return false, err
			}
		}

	case pktTypeAckAbort:
		return false, upcerr.New(upcerr.ProtocolFraming, "kinetis: boot aborted by peer")

	case pktTypeCommand:
		crc := crcPacketHeaderBody(pkt.body, pkt.body[6:])
		if byte(crc) != pkt.body[4] || byte(crc>>8) != pkt.body[5] {
			return false, upcerr.New(upcerr.ProtocolFraming, "kinetis: invalid CRC on command response")
		}
		if pkt.body[6] != respGenericResponse {
			e.sess.logf("kinetis: unexpected response tag 0x%02x", pkt.body[6])
			break
		}
		return e.handleGenericResponse(pkt.body)

	case pktTypeData:
		e.sess.logf("kinetis: ignoring unexpected data packet")
	}
	return false, nil
}

func (e *kinetisEngine) handleGenericResponse(body []byte) (done bool, err error) {
	status := getUint32LE(body[10:14])
	tag := getUint32LE(body[14:18])

	switch e.state {
	case stateWaitEraseResp:
		if tag != cmdFlashEraseAllUnsecure || status != 0 {
			return false, upcerr.New(upcerr.ProtocolFraming, fmt.Sprintf("kinetis: erase failed, status %d", status))
		}
		if err := sendAck(e.sess); err != nil {
			return false, err
		}
		e.writeLen = uint32(len(e.image))
		if err := sendCommand2(e.sess, cmdWriteMemory, e.offset, e.writeLen); err != nil {
			return false, err
		}
		e.state = stateWaitWriteAck

	case stateWaitWriteResp:
		if tag != cmdWriteMemory || status != 0 {
			return false, upcerr.New(upcerr.ProtocolFraming, fmt.Sprintf("kinetis: write command failed, status %d", status))
		}
		if err := sendAck(e.sess); err != nil {
			return false, err
		}
		chunk := e.image
		if len(chunk) > kinetisRawChunk {
			chunk = chunk[:kinetisRawChunk]
		}
		if err := sendRawData(e.sess, chunk); err != nil {
			return false, err
		}
		e.pending = len(chunk)
		e.state = stateWaitDataAck

	case stateWaitDataResp:
		if tag != cmdWriteMemory || status != 0 {
			return false, upcerr.New(upcerr.ProtocolFraming, fmt.Sprintf("kinetis: data write failed, status %d", status))
		}
		if err := sendAck(e.sess); err != nil {
			return false, err
		}
		e.sess.logf("kinetis: download complete, resetting")
		if err := sendCommand0(e.sess, cmdReset); err != nil {
			return false, err
		}
		e.state = stateWaitResetAck

	case stateWaitResetResp:
		if tag != cmdReset || status != 0 {
			return false, upcerr.New(upcerr.ProtocolFraming, fmt.Sprintf("kinetis: reset failed, status %d", status))
		}
		if err := sendAck(e.sess); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
