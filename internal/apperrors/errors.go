package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies a compression failure.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindConversion  Kind = "conversion"
	KindDecode      Kind = "decode"
	KindEncode      Kind = "encode"
	KindWorker      Kind = "worker"
	KindTimeout     Kind = "timeout"
	KindConcurrency Kind = "concurrency"
	KindCanceled    Kind = "canceled"
	KindUnknown     Kind = "unknown"
)

// Error is the single error type surfaced by the compression facade.
// Message is always human readable and safe to show to a user.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf returns an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error whose message is "message: cause".
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: fmt.Sprintf("%s: %v", message, err), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
