// Package apperr defines the error taxonomy shared by the store, the scheduler and the bot.
package apperr

import (
	"errors"
)

// Error kinds. Test with errors.Is.
var (
	ErrValidation = errors.New("validation_error")
	ErrNotFound   = errors.New("not_found")
	ErrConflict   = errors.New("conflict")
	ErrDelivery   = errors.New("delivery_error")
)

// Error carries a kind, a message safe to show to the user and an optional cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation reports input that violates an invariant.
func Validation(msg string) error {
	return &Error{Kind: ErrValidation, Message: msg}
}

// NotFound reports an unknown identity, course or instrument.
func NotFound(msg string) error {
	return &Error{Kind: ErrNotFound, Message: msg}
}

// Conflict reports a duplicate registration.
func Conflict(msg string) error {
	return &Error{Kind: ErrConflict, Message: msg}
}

// Delivery wraps a failed notification send.
func Delivery(err error) error {
	return &Error{Kind: ErrDelivery, Message: "notification not delivered", Err: err}
}

// UserMessage returns the message of the first *Error in the chain, or fallback.
func UserMessage(err error, fallback string) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return fallback
}
