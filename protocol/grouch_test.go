package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestCueDetectorMatchesFullCue(t *testing.T) {
	var d CueDetector
	require.False(t, d.Feed([]byte("hello *LO")))
	require.True(t, d.Feed([]byte("AD*world")))
}

func TestCueDetectorIgnoresNulAndResyncsOnPartialMatch(t *testing.T) {
	var d CueDetector
	require.False(t, d.Feed([]byte{0, '*', 'L', 'O', 0, 'A'}))
	require.True(t, d.Feed([]byte("D*")))
}

func TestGrouchFramesLengthAndSum(t *testing.T) {
	image := []byte("firmware payload")
	port := &scriptedPort{}
	sess := &Session{Port: port, Echo: nopWriter{}, Log: logrus.NewEntry(logrus.New())}

	err := Grouch(context.Background(), sess, bytes.NewReader(image))
	require.NoError(t, err)

	require.NotEmpty(t, port.out)
	sent := bytes.Join(port.out, nil)
	require.Equal(t, byte('*'), sent[0])
	require.Equal(t, uint32(len(image)), binary.BigEndian.Uint32(sent[1:5]))
	require.Equal(t, image, sent[5:5+len(image)])

	var sum uint32
	for _, b := range image {
		sum += uint32(b)
	}
	require.Equal(t, sum, binary.BigEndian.Uint32(sent[5+len(image):5+len(image)+4]))
}
