package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKindRoundTrips(t *testing.T) {
	for _, k := range []Kind{Grouchy, Xmodem, Xmodem128, KinetisBinary, KinetisSrecord} {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}
}

func TestParseKindRejectsUnknown(t *testing.T) {
	_, err := ParseKind("not-a-protocol")
	require.Error(t, err)
}
