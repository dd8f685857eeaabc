package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// scriptedPort feeds a fixed sequence of inbound chunks to Read/ReadTimeout
// and records every outbound write, letting a test play the role of the
// bootloader peer without a real serial link.
type scriptedPort struct {
	in  [][]byte
	out [][]byte
}

func (p *scriptedPort) Read(buf []byte) (int, error) {
	if len(p.in) == 0 {
		return 0, nil
	}
	n := copy(buf, p.in[0])
	p.in[0] = p.in[0][n:]
	if len(p.in[0]) == 0 {
		p.in = p.in[1:]
	}
	return n, nil
}

func (p *scriptedPort) ReadTimeout(buf []byte, _ time.Duration) (int, error) {
	return p.Read(buf)
}

func (p *scriptedPort) Write(buf []byte) (int, error) {
	p.out = append(p.out, append([]byte(nil), buf...))
	return len(buf), nil
}

func (p *scriptedPort) SafeWrite(buf []byte) error {
	_, err := p.Write(buf)
	return err
}

func buildGenericResponse(t *testing.T, tag byte, status uint32) []byte {
	t.Helper()
	body := make([]byte, 18)
	body[0], body[1] = pktStart, pktTypeCommand
	body[2], body[3] = 0x0c, 0x00
	body[6] = respGenericResponse
	body[9] = 0x02
	putUint32LE(body[10:14], status)
	putUint32LE(body[14:18], uint32(tag))
	crc := crcPacketHeaderBody(body, body[6:])
	body[4], body[5] = byte(crc), byte(crc>>8)
	return body
}

func TestPacketReaderFeedPingResponse(t *testing.T) {
	var r packetReader
	frame := []byte{pktStart, pktTypePingResp, 0, 0, 0, 'P', 0, 0, 0, 0}
	pkts := r.feed(frame)
	require.Len(t, pkts, 1)
	require.Equal(t, byte(pktTypePingResp), pkts[0].kind)
	require.Equal(t, byte('P'), pkts[0].body[3])
}

func TestPacketReaderResyncsOnOversizeLength(t *testing.T) {
	var r packetReader
	// A bogus length > 250 should drop back to waiting for a new start byte
	// rather than trying to read an oversized body.
	bad := []byte{pktStart, pktTypeCommand, 0xff, 0x03, 0x00, 0x00}
	require.Empty(t, r.feed(bad))
	require.Equal(t, pktWaitStart, r.state)
}

func TestKinetisBinHappyPath(t *testing.T) {
	port := &scriptedPort{in: [][]byte{
		{pktStart, pktTypePingResp, 0, 0, 0, 'P', 0, 0, 0, 0},
		{pktStart, pktTypeAck},
		buildGenericResponse(t, cmdFlashEraseAllUnsecure, 0),
		{pktStart, pktTypeAck},
		buildGenericResponse(t, cmdWriteMemory, 0),
		{pktStart, pktTypeAck},
		buildGenericResponse(t, cmdWriteMemory, 0),
		{pktStart, pktTypeAck},
		buildGenericResponse(t, cmdReset, 0),
	}}

	sess := &Session{Port: port, Echo: nopWriter{}, Log: logrus.NewEntry(logrus.New())}
	err := KinetisBin(context.Background(), sess, []byte{0x01, 0x02, 0x03}, 0x1000)
	require.NoError(t, err)
	require.NotEmpty(t, port.out)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
