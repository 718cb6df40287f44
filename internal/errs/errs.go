// Package errs holds the error types shared across yagent.
package errs

import (
	"errors"
	"fmt"
)

// UserErrorf is a user-facing error.
// This helper exists mostly to avoid linters complaining about errors starting
// with a capitalized letter.
func UserErrorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

// Kind classifies an error for recovery decisions.
//
// A Kind is itself an error so callers can match with errors.Is:
//
//	if errors.Is(err, errs.ToolNotFound) { ... }
type Kind uint8

// Error kinds.
const (
	Unknown Kind = iota
	Transport
	Protocol
	ToolNotFound
	ServerNotReady
	Parse
	RetryExhausted
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport error"
	case Protocol:
		return "protocol error"
	case ToolNotFound:
		return "tool not found"
	case ServerNotReady:
		return "server not ready"
	case Parse:
		return "parse error"
	case RetryExhausted:
		return "retry exhausted"
	default:
		return "unknown error"
	}
}

func (k Kind) Error() string {
	return k.String()
}

// Error wraps an underlying error with a user-facing reason.
//
// Reason is meant to be short and actionable; Err may contain technical details.
// When Err is nil, Error() falls back to Reason.
type Error struct {
	Kind   Kind
	Err    error
	Reason string
}

// Wrap creates an Error with the given underlying error and user-facing reason.
func Wrap(err error, reason string) Error {
	return Error{Err: err, Reason: reason}
}

// Wrapf creates an Error with the given underlying error and a formatted reason.
func Wrapf(err error, format string, a ...any) Error {
	return Error{Err: err, Reason: fmt.Sprintf(format, a...)}
}

// New creates a classified Error.
func New(kind Kind, err error, reason string) Error {
	return Error{Kind: kind, Err: err, Reason: reason}
}

// Newf creates a classified Error whose cause is built from format.
func Newf(kind Kind, reason, format string, a ...any) Error {
	return Error{Kind: kind, Err: fmt.Errorf(format, a...), Reason: reason}
}

func (e Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Reason
}

func (e Error) Unwrap() error {
	return e.Err
}

// Is matches a Kind target against the error's classification.
func (e Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k != Unknown && e.Kind == k
}

// ReasonText returns the user-facing reason for the error.
func (e Error) ReasonText() string {
	return e.Reason
}

// KindOf returns the classification found in err's chain, or Unknown.
func KindOf(err error) Kind {
	for _, k := range []Kind{Transport, Protocol, ToolNotFound, ServerNotReady, Parse, RetryExhausted} {
		if errors.Is(err, k) {
			return k
		}
	}
	return Unknown
}
