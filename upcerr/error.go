// Package upcerr defines the closed set of error kinds shared across the
// transport, protocol engines, and console of upconsole.
package upcerr

// Kind classifies why an operation failed, per the error handling design.
type Kind int

const (
	// Transport indicates a non-transient read/write failure on the byte
	// device.
	Transport Kind = iota
	// File indicates a stage input file seek/read failure.
	File
	// ProtocolFraming indicates a malformed inbound packet: bad CRC, bad
	// length, unexpected tag, or an abort signalled by the peer.
	ProtocolFraming
	// ProtocolTimeout is reserved; currently only user abort is surfaced.
	ProtocolTimeout
	// UserAbort indicates the operator pressed C-a x.
	UserAbort
	// Config indicates an unknown protocol/flow-control/line-end name or
	// an out-of-order command line option.
	Config
	// Resource indicates an allocation, fd-limit, or open failure.
	Resource
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case File:
		return "file"
	case ProtocolFraming:
		return "protocol framing"
	case ProtocolTimeout:
		return "protocol timeout"
	case UserAbort:
		return "user abort"
	case Config:
		return "config"
	case Resource:
		return "resource"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with a message and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		if e.Err != nil {
			return e.Kind.String() + ": " + e.Err.Error()
		}
		return e.Kind.String()
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap builds an *Error of the given kind, or returns nil if err is nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}
