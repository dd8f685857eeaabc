package upcerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapReturnsNilForNilCause(t *testing.T) {
	require.NoError(t, Wrap(Transport, "read failed", nil))
}

func TestWrapPreservesKindAndUnwrap(t *testing.T) {
	cause := errors.New("eof")
	err := Wrap(Transport, "read failed", cause)

	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, Transport, e.Kind)
	require.Equal(t, "read failed: eof", err.Error())
	require.ErrorIs(t, err, cause)
}

func TestNewWithoutCause(t *testing.T) {
	err := New(Config, "unknown protocol")
	require.EqualError(t, err, "unknown protocol")

	var e *Error
	require.ErrorAs(t, err, &e)
	require.Nil(t, e.Err)
}

func TestErrorFallsBackToKindString(t *testing.T) {
	err := &Error{Kind: UserAbort}
	require.Equal(t, "user abort", err.Error())
}

func TestKindStringCoversEveryValue(t *testing.T) {
	for k, want := range map[Kind]string{
		Transport:       "transport",
		File:            "file",
		ProtocolFraming: "protocol framing",
		ProtocolTimeout: "protocol timeout",
		UserAbort:       "user abort",
		Config:          "config",
		Resource:        "resource",
	} {
		require.Equal(t, want, k.String())
	}
}
