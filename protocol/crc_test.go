package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC16CCITTKnownVector(t *testing.T) {
	// CRC-16/XMODEM ("123456789") = 0x31C3, the standard check value
	// for this exact polynomial/init/no-reflect construction.
	require.Equal(t, uint16(0x31C3), crc16([]byte("123456789")))
}

func TestCRCByteIsIncremental(t *testing.T) {
	whole := crc16([]byte("abcd"))

	var crc uint16
	for _, b := range []byte("abcd") {
		crc = crcByte(crc, b)
	}
	require.Equal(t, whole, crc)
}
