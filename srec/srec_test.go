package srec

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReaderParsesDataRecord(t *testing.T) {
	// type 1, byte count 0x10, address 0x0000, data "Hello, world!", checksum 0x66.
	r := NewReader(strings.NewReader("S110000048656C6C6F2C20776F726C642166\n"))
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, byte('1'), rec.Type)
	require.Equal(t, uint32(0x0000), rec.Address)
	require.Equal(t, []byte("Hello, world!"), rec.Data)
}

func TestReaderEOFAtStreamEnd(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsBadChecksum(t *testing.T) {
	r := NewReader(strings.NewReader("S1030000FF\n"))
	_, err := r.Next()
	require.Error(t, err)
	serr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrInvalidChecksum, serr.Code)
}

func TestReaderRejectsType4(t *testing.T) {
	r := NewReader(strings.NewReader("S40300000000\n"))
	_, err := r.Next()
	require.Error(t, err)
	serr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrInvalidType, serr.Code)
}

func TestReaderSkipsWhitespaceBetweenRecords(t *testing.T) {
	r := NewReader(strings.NewReader("\n\n  S1030000FC\n"))
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, byte('1'), rec.Type)
	require.Empty(t, rec.Data)
}
