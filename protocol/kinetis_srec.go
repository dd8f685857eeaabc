package protocol

import (
	"context"
	"fmt"
	"io"

	"upconsole/srec"
	"upconsole/upcerr"
)

// srecEngine drives the Kinetis bootloader protocol one S-record at a
// time: every data record ('1'/'2'/'3') gets its own WriteMemory at the
// record's own address, followed by that record's own DATA stream,
// instead of the binary flavor's single whole-image write. A
// start/termination record ('7'/'8'/'9') ends the session with a Reset.
type srecEngine struct {
	sess   *Session
	reader packetReader
	recs   *srec.Reader
	state  kinetisOuterState

	addr      uint32
	recData   []byte // full data of the record currently being written
	remaining []byte // unsent tail of recData, valid once the write is acked
	sent      []byte // most recently sent chunk, kept for NAK resend
}

// KinetisSrec drives the S-record flavor of the Kinetis bootloader
// protocol: ping, erase-all, then one WriteMemory-plus-data-stream per
// data record read from r, ending with a Reset once a start or
// termination record is reached. A stream that ends without such a
// record completes without sending a Reset.
func KinetisSrec(ctx context.Context, sess *Session, r *srec.Reader) error {
	e := &srecEngine{sess: sess, recs: r}
	return e.run(ctx)
}

func (e *srecEngine) run(ctx context.Context) error {
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

// advance reads records until it finds one requiring wire action. '0',
// '5' and '6' are decorative and skipped; '1', '2' and '3' are data
// records and get their own WriteMemory issued here; anything else is a
// start/termination record and ends the session with a Reset. ok is
// false only when the stream is exhausted with nothing left to do.
func (e *srecEngine) advance() (ok bool, err error) {
	for {
		rec, err := e.recs.Next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		switch rec.Type {
		case '0':
			e.sess.logf("kinetis: srec header %q", rec.Data)
			continue
		case '5', '6':
			continue
		case '1', '2', '3':
			if rec.Address%4 != 0 {
				return false, upcerr.New(upcerr.ProtocolFraming, fmt.Sprintf(
					"srec: data record at 0x%08x is not 4-byte aligned", rec.Address))
			}
			e.addr = rec.Address
			e.recData = rec.Data
			if err := sendCommand2(e.sess, cmdWriteMemory, e.addr, uint32(len(e.recData))); err != nil {
				return false, err
			}
			e.state = stateWaitWriteAck
			return true, nil
		default:
			if err := sendCommand0(e.sess, cmdReset); err != nil {
				return false, err
			}
			e.state = stateWaitResetAck
			return true, nil
		}
	}
}

// sendNextChunk sends up to kinetisRawChunk bytes off the front of
// remaining and shifts it forward, the Go shape of send_srec_data plus
// the buffer memmove the original does once a chunk is acked.
func (e *srecEngine) sendNextChunk() error {
	chunk := e.remaining
	if len(chunk) > kinetisRawChunk {
		chunk = chunk[:kinetisRawChunk]
	}
	if err := sendRawData(e.sess, chunk); err != nil {
		return err
	}
	e.sent = chunk
	e.remaining = e.remaining[len(chunk):]
	return nil
}

func (e *srecEngine) handle(pkt kinetisPacket) (done bool, err error) {
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
			if len(e.remaining) == 0 {
				e.state = stateWaitDataResp
				break
			}
			if err := e.sendNextChunk(); err != nil {
				return false, err
			}
		}

	case pktTypeNak:
		switch e.state {
		case stateWaitEraseAck:
			if err := sendCommand0(e.sess, cmdFlashEraseAllUnsecure); err != nil {
				return false, err
			}
		case stateWaitWriteAck:
			if err := sendCommand2(e.sess, cmdWriteMemory, e.addr, uint32(len(e.recData))); err != nil {
				return false, err
			}
		case stateWaitResetAck:
			if err := sendCommand0(e.sess, cmdReset); err != nil {
				return false, err
			}
		case stateWaitDataAck:
			if err := sendRawData(e.sess, e.sent); err != nil {
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

func (e *srecEngine) handleGenericResponse(body []byte) (done bool, err error) {
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
		ok, err := e.advance()
		if err != nil {
			return false, err
		}
		if !ok {
			e.sess.logf("kinetis: download complete, nothing to write")
			return true, nil
		}

	case stateWaitWriteResp:
		if tag != cmdWriteMemory || status != 0 {
			return false, upcerr.New(upcerr.ProtocolFraming, fmt.Sprintf("kinetis: write command failed, status %d", status))
		}
		if err := sendAck(e.sess); err != nil {
			return false, err
		}
		e.remaining = e.recData
		if err := e.sendNextChunk(); err != nil {
			return false, err
		}
		e.state = stateWaitDataAck

	case stateWaitDataResp:
		if tag != cmdWriteMemory || status != 0 {
			return false, upcerr.New(upcerr.ProtocolFraming, fmt.Sprintf("kinetis: data write failed, status %d", status))
		}
		if err := sendAck(e.sess); err != nil {
			return false, err
		}
		ok, err := e.advance()
		if err != nil {
			return false, err
		}
		if !ok {
			e.sess.logf("kinetis: download complete")
			return true, nil
		}

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
