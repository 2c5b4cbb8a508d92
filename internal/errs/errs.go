// Package errs defines the typed error taxonomy shared by the codec,
// engine, and reactor, so a caller can tell a protocol violation from a
// missing argument from a durability failure without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind names an error category by meaning rather than by the
// underlying cause's Go type.
type Kind int

const (
	// ProtocolMalformed means the codec rejected incoming bytes; the
	// connection is closed after the error frame is sent.
	ProtocolMalformed Kind = iota
	// UnknownCommand means no handler exists for the command name.
	UnknownCommand
	// WrongArity means a command was sent with the wrong argument count.
	WrongArity
	// TypeMismatch means a command's family doesn't match the key's.
	TypeMismatch
	// IoFailure means file or socket I/O failed.
	IoFailure
	// ParseNumber means a numeric argument could not be parsed.
	ParseNumber
)

func (k Kind) String() string {
	switch k {
	case ProtocolMalformed:
		return "ProtocolMalformed"
	case UnknownCommand:
		return "UnknownCommand"
	case WrongArity:
		return "WrongArity"
	case TypeMismatch:
		return "TypeMismatch"
	case IoFailure:
		return "IoFailure"
	case ParseNumber:
		return "ParseNumber"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or one of its wrapped causes) is an *Error of kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
