package protocol

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"upconsole/srec"
)

var srecAddressNibbles = map[byte]int{
	'0': 4, '1': 4, '5': 4, '9': 4,
	'2': 6, '6': 6, '8': 6,
	'3': 8, '7': 8,
}

func buildSRecordLine(t *testing.T, typ byte, address uint32, data []byte) string {
	t.Helper()
	nibbles := srecAddressNibbles[typ]
	addrBytes := nibbles / 2
	byteCount := addrBytes + len(data) + 1
	sum := byte(byteCount)

	addrHex := fmt.Sprintf("%0*x", nibbles, address)
	for i := 0; i < len(addrHex); i += 2 {
		var b int
		_, err := fmt.Sscanf(addrHex[i:i+2], "%02x", &b)
		require.NoError(t, err)
		sum += byte(b)
	}

	dataHex := strings.Builder{}
	for _, b := range data {
		sum += b
		fmt.Fprintf(&dataHex, "%02x", b)
	}

	checksum := 0xff ^ sum
	return fmt.Sprintf("S%c%02x%s%s%02x\n", typ, byteCount, addrHex, dataHex.String(), checksum)
}

func newSrecReader(t *testing.T, lines []string) *srec.Reader {
	t.Helper()
	return srec.NewReader(strings.NewReader(strings.Join(lines, "")))
}

// TestKinetisSrecIssuesOneWriteMemoryPerRecord confirms the S-record
// engine writes each data record with its own WriteMemory(address,
// byte_count) and finishes with a Reset on a termination record,
// instead of flattening the file into one whole-image write.
func TestKinetisSrecIssuesOneWriteMemoryPerRecord(t *testing.T) {
	lines := []string{
		buildSRecordLine(t, '0', 0, []byte("HDR")),
		buildSRecordLine(t, '1', 0x00000000, []byte{0x11, 0x22, 0x33}),
		buildSRecordLine(t, '9', 0, nil),
	}
	reader := newSrecReader(t, lines)

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
	err := KinetisSrec(context.Background(), sess, reader)
	require.NoError(t, err)

	var writeMemoryCmds [][2]uint32
	for _, frame := range port.out {
		if len(frame) < 18 || frame[1] != pktTypeCommand || frame[6] != cmdWriteMemory {
			continue
		}
		writeMemoryCmds = append(writeMemoryCmds, [2]uint32{
			getUint32LE(frame[10:14]),
			getUint32LE(frame[14:18]),
		})
	}

	require.Len(t, writeMemoryCmds, 1, "exactly one WriteMemory for the single data record")
	require.Equal(t, uint32(0x00000000), writeMemoryCmds[0][0])
	require.Equal(t, uint32(3), writeMemoryCmds[0][1])

	var resets int
	for _, frame := range port.out {
		if len(frame) >= 7 && frame[1] == pktTypeCommand && frame[6] == cmdReset {
			resets++
		}
	}
	require.Equal(t, 1, resets)
}

// TestKinetisSrecRejectsUnalignedAbsoluteAddress confirms the alignment
// check is against the record's own absolute address, not relative to
// some recorded base address.
func TestKinetisSrecRejectsUnalignedAbsoluteAddress(t *testing.T) {
	lines := []string{
		buildSRecordLine(t, '1', 0x00000002, []byte{0xaa}),
	}
	reader := newSrecReader(t, lines)

	port := &scriptedPort{in: [][]byte{
		{pktStart, pktTypePingResp, 0, 0, 0, 'P', 0, 0, 0, 0},
		{pktStart, pktTypeAck},
		buildGenericResponse(t, cmdFlashEraseAllUnsecure, 0),
	}}

	sess := &Session{Port: port, Echo: nopWriter{}, Log: logrus.NewEntry(logrus.New())}
	err := KinetisSrec(context.Background(), sess, reader)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not 4-byte aligned")
}

// TestKinetisSrecEmptyFileCompletesWithoutWriting mirrors the original's
// degenerate case: a stream with no data records and no termination
// record either completes immediately, with no WriteMemory and no
// Reset sent at all.
func TestKinetisSrecEmptyFileCompletesWithoutWriting(t *testing.T) {
	reader := newSrecReader(t, nil)

	port := &scriptedPort{in: [][]byte{
		{pktStart, pktTypePingResp, 0, 0, 0, 'P', 0, 0, 0, 0},
		{pktStart, pktTypeAck},
		buildGenericResponse(t, cmdFlashEraseAllUnsecure, 0),
	}}

	sess := &Session{Port: port, Echo: nopWriter{}, Log: logrus.NewEntry(logrus.New())}
	err := KinetisSrec(context.Background(), sess, reader)
	require.NoError(t, err)

	for _, frame := range port.out {
		require.False(t, len(frame) >= 7 && frame[1] == pktTypeCommand && (frame[6] == cmdWriteMemory || frame[6] == cmdReset))
	}
}
