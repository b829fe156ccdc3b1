// Package errs defines the failure taxonomy shared by the queue router and
// its handlers. Workers use the class of an error to decide between retrying
// with backoff, dead-lettering immediately, and rejecting synchronously.
package errs

import (
	"errors"
	"fmt"
)

// Class describes how a failure should be treated downstream.
type Class int

const (
	// ClassTransient failures are retried with backoff up to the queue's
	// attempt budget. This is the default for unclassified errors.
	ClassTransient Class = iota

	// ClassValidation failures are permanently invalid input. They are
	// surfaced synchronously where possible and never retried.
	ClassValidation

	// ClassPermanent failures will not succeed on retry (invalid recipient,
	// revoked credentials). They skip the retry budget entirely.
	ClassPermanent

	// ClassSystem failures mean a backing store is unavailable. Callers
	// decide per component whether to fail open or fail loudly.
	ClassSystem
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassPermanent:
		return "permanent"
	case ClassSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a failure class.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validationf builds a validation-class error from a format string.
func Validationf(format string, args ...any) error {
	return &Error{Class: ClassValidation, Err: fmt.Errorf(format, args...)}
}

// Validation marks err as a validation failure.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassValidation, Err: err}
}

// Permanent marks err as never retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassPermanent, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, Err: err}
}

// System marks err as a backing-store outage.
func System(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassSystem, Err: err}
}

// ClassOf returns the class of err, walking the wrap chain. Unclassified
// errors are treated as transient so they stay inside the retry budget.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassTransient
}

// IsPermanent reports whether err should bypass the retry budget.
// Validation failures are permanent by definition.
func IsPermanent(err error) bool {
	c := ClassOf(err)
	return c == ClassPermanent || c == ClassValidation
}
