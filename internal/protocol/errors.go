package protocol

import "fmt"

// Kind classifies a frame or registry failure.
type Kind int

const (
	BadHeader Kind = iota + 1
	BadChecksum
	BadFooter
	UnknownCommand
)

func (k Kind) String() string {
	switch k {
	case BadHeader:
		return "bad header"
	case BadChecksum:
		return "bad checksum"
	case BadFooter:
		return "bad footer"
	case UnknownCommand:
		return "unknown command"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by Build and Parse. Match it with errors.Is against the
// Err* sentinels.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return "protocol: " + e.Kind.String()
	}
	return "protocol: " + e.Kind.String() + ": " + e.Msg
}

// Is reports whether target is a protocol error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrBadHeader      = &Error{Kind: BadHeader}
	ErrBadChecksum    = &Error{Kind: BadChecksum}
	ErrBadFooter      = &Error{Kind: BadFooter}
	ErrUnknownCommand = &Error{Kind: UnknownCommand}
)

func newError(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}
