package shared

import (
	"errors"
	"fmt"
)

// Kind classifies domain failures so callers can branch without string matching.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindLocked              Kind = "LOCKED"
	KindPaymentsExist       Kind = "PAYMENTS_EXIST"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindAlreadyVoid         Kind = "ALREADY_VOID"
	KindDuplicatePeriod     Kind = "DUPLICATE_PERIOD"
	KindInvalidState        Kind = "INVALID_STATE"
	KindNotFound            Kind = "NOT_FOUND"
)

// Error is a classified domain error. Package sentinels are *Error values;
// errors.Is matches on Kind and Op so wrapped copies still compare equal.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// E builds a sentinel.
func E(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind and op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Op == t.Op && e.Message == t.Message
}

// Wrap attaches a cause to the sentinel and returns a new error.
func (e *Error) Wrap(err error) *Error {
	return &Error{Kind: e.Kind, Op: e.Op, Message: e.Message, Err: err}
}

// Withf returns a copy carrying extra detail in the cause.
func (e *Error) Withf(format string, args ...any) *Error {
	return e.Wrap(fmt.Errorf(format, args...))
}

// KindOf returns the Kind of the first *Error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrNotFound indicates resource not found.
var ErrNotFound = E(KindNotFound, "", "not found")
