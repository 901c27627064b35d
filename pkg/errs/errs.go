// Package errs defines the error taxonomy shared by every layer of the
// stack, from the buffer chain up through the TCP protocol machine.
package errs

import "fmt"

// Code is a conceptual error kind, independent of the Go error value that
// carries it. Internal functions return a plain error built with Wrap so
// that callers can match the kind with errors.Is.
type Code int

const (
	// Ok is never returned as an error; it exists so Code has a defined
	// zero value distinct from "no code classified".
	Ok Code = iota
	OutOfMemory
	Buffer
	Timeout
	Routing
	AddressInUse
	Unreachable
	Connection
	Reset
	Closed
	Abort
	Argument
	InProgress
	WouldBlock
	Malformed
)

var names = map[Code]string{
	Ok:            "ok",
	OutOfMemory:   "out of memory",
	Buffer:        "buffer operation failed",
	Timeout:       "timeout",
	Routing:       "no route to destination",
	AddressInUse:  "address in use",
	Unreachable:   "destination unreachable",
	Connection:    "invalid operation for connection state",
	Reset:         "connection reset",
	Closed:        "connection closed",
	Abort:         "connection aborted",
	Argument:      "invalid argument",
	InProgress:    "operation in progress",
	WouldBlock:    "operation would block",
	Malformed:     "malformed wire data",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("errs.Code(%d)", int(c))
}

// Error pairs a Code with the sentinel's message so that errors.Is(err,
// errs.Reset) works while fmt.Errorf("%w", ...) wrapping still carries
// call-site context.
type Error struct {
	code Code
}

func (e *Error) Error() string { return e.code.String() }

// Code reports the conceptual kind this error carries.
func (e *Error) Code() Code { return e.code }

// sentinel builds the package-level *Error value for a Code so every
// caller comparing with errors.Is compares against the same pointer.
func sentinel(c Code) *Error { return &Error{code: c} }

var (
	ErrOutOfMemory  = sentinel(OutOfMemory)
	ErrBuffer       = sentinel(Buffer)
	ErrTimeout      = sentinel(Timeout)
	ErrRouting      = sentinel(Routing)
	ErrAddressInUse = sentinel(AddressInUse)
	ErrUnreachable  = sentinel(Unreachable)
	ErrConnection   = sentinel(Connection)
	ErrReset        = sentinel(Reset)
	ErrClosed       = sentinel(Closed)
	ErrAbort        = sentinel(Abort)
	ErrArgument     = sentinel(Argument)
	ErrInProgress   = sentinel(InProgress)
	ErrWouldBlock   = sentinel(WouldBlock)
	ErrMalformed    = sentinel(Malformed)
)

// Wrap attaches call-site context to a sentinel error while keeping it
// matchable with errors.Is/errors.As.
func Wrap(sentinel *Error, format string, args ...any) error {
	if format == "" {
		return sentinel
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

// Terminal reports whether, once delivered via an endpoint's error
// callback, the error kind means the endpoint is no longer usable. Every
// kind except OutOfMemory is terminal (spec §7).
func Terminal(c Code) bool {
	return c != OutOfMemory && c != Ok
}
