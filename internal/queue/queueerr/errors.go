// Package queueerr defines the behavioural error kinds of spec §7. Each
// kind is a distinct sentinel-wrapped type so callers can branch with
// errors.Is/errors.As instead of matching on strings.
package queueerr

import (
	"errors"
	"fmt"
)

// Kind names a behavioural error category from spec §7.
type Kind string

const (
	KindValidation        Kind = "Validation"
	KindUnregisteredType   Kind = "UnregisteredType"
	KindHandlerFailure     Kind = "HandlerFailure"
	KindHandlerTimeout     Kind = "HandlerTimeout"
	KindBusy               Kind = "Busy"
	KindIntegrityViolation Kind = "IntegrityViolation"
	KindCorruption         Kind = "Corruption"
	KindCancelled          Kind = "Cancelled"
	KindNoEligibleTask     Kind = "NoEligibleTask"
	KindDuplicateHandler   Kind = "DuplicateHandler"
	KindSchema             Kind = "Schema"
	KindNotFound           Kind = "NotFound"
	KindTypeFormat         Kind = "TypeFormat"
)

// Error wraps an underlying cause with a behavioural Kind.
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

// Is matches another *Error with the same Kind, enabling errors.Is(err, New(KindBusy, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// OfKind reports whether err is a *Error of the given kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
