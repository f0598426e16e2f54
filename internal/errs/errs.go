// Package errs holds the error taxonomy shared by the channel core.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotFound
	KindForbidden
	KindInvalidState
	KindDeliveryDegraded
	KindCorruptedCursor
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidState:
		return "invalid_state"
	case KindDeliveryDegraded:
		return "delivery_degraded"
	case KindCorruptedCursor:
		return "corrupted_cursor"
	case KindNotImplemented:
		return "not_implemented"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrDeliveryDegraded = &Error{Kind: KindDeliveryDegraded}
	ErrCorruptedCursor  = &Error{Kind: KindCorruptedCursor}
	ErrNotImplemented   = &Error{Kind: KindNotImplemented}
)

// Error is a classified failure of a single operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of Op or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a classified error. The message is optional.
func E(kind Kind, op string, format string, args ...any) error {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, format string, args ...any) error {
	return E(KindNotFound, op, format, args...)
}

func Forbidden(op, format string, args ...any) error {
	return E(KindForbidden, op, format, args...)
}

func InvalidState(op, format string, args ...any) error {
	return E(KindInvalidState, op, format, args...)
}

func NotImplemented(op string) error {
	return &Error{Kind: KindNotImplemented, Op: op}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
