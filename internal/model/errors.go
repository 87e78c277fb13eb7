package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, client-visible classification of a failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "ValidationError"
	KindConversion ErrorKind = "ConversionError"
	KindEngine     ErrorKind = "EngineError"
	KindTimeout    ErrorKind = "TimeoutError"
	KindNotFound   ErrorKind = "NotFoundError"
	KindConflict   ErrorKind = "ConflictError"
	KindInternal   ErrorKind = "InternalError"
)

// genericInternalMessage is what clients see for internal defects.
const genericInternalMessage = "internal error"

// Error is a classified failure. It is stored on failed jobs and is also
// returned synchronously by the service layer.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError constructs a classified error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Errorf constructs a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected defect. The cause is kept for logging but
// the message surfaced to clients stays generic.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: genericInternalMessage, Err: cause}
}

// KindOf returns the classification of err, defaulting to InternalError.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Public returns the copy of e that is safe to expose to clients.
func (e *Error) Public() *Error {
	if e == nil {
		return nil
	}
	msg := e.Message
	if e.Kind == KindInternal {
		msg = genericInternalMessage
	}
	return &Error{Kind: e.Kind, Message: msg}
}
