package chat

import (
	"errors"
	"fmt"
)

// Kind classifies chat errors. The string form is the error code sent to clients.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindStorage        Kind = "storage"
	KindTransport      Kind = "transport"
	KindInternal       Kind = "internal"
)

var (
	ErrAuthentication = &Error{Kind: KindAuthentication, Msg: "authentication failed"}
	ErrAuthorization  = &Error{Kind: KindAuthorization, Msg: "not authorized"}
	ErrValidation     = &Error{Kind: KindValidation, Msg: "invalid request"}
	ErrStorage        = &Error{Kind: KindStorage, Msg: "storage failure"}
	ErrTransport      = &Error{Kind: KindTransport, Msg: "transport failure"}
)

// Error is a classified chat error wrapping an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any Error of the same kind, so errors.Is(err, ErrValidation)
// holds for every validation failure.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ErrorText returns the client-facing text of err without wrapped causes.
func ErrorText(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}
