// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors provides typed errors with a Kind and key/value attributes
// that loggers and API handlers can surface.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that branch on failure type.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindPermission
	KindConflict
	KindUnavailable
	KindTimeout

	// KindParse marks a packet whose headers could not be decoded.
	KindParse
	// KindRegistration marks a hook attachment rejected by the host stack.
	KindRegistration
	// KindTeardown marks a hook detachment that failed.
	KindTeardown
)

var kindNames = map[Kind]string{
	KindInternal:     "internal",
	KindValidation:   "validation",
	KindNotFound:     "not_found",
	KindPermission:   "permission",
	KindConflict:     "conflict",
	KindUnavailable:  "unavailable",
	KindTimeout:      "timeout",
	KindParse:        "parse_failure",
	KindRegistration: "registration_failure",
	KindTeardown:     "teardown_failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is a kinded error with an optional cause. Attributes are
// key/value context for logs and API responses.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Underlying == nil {
		return e.Message
	}
	return e.Message + ": " + e.Underlying.Error()
}

func (e *Error) Unwrap() error { return e.Underlying }

// New returns an error of kind with a fixed message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf is New with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap records err as the cause of a new error of kind. A nil err stays nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// Attr sets key on the outermost *Error in err's chain and returns it.
// A plain error is first wrapped as KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: err.Error(), Underlying: err}
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any, 1)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the kind of the outermost *Error in err's chain, or
// KindUnknown when the chain has none.
func GetKind(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return KindUnknown
	}
	return e.Kind
}

// HasKind reports whether any *Error in err's chain has the given kind.
func HasKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Underlying
	}
	return false
}

// GetAttributes merges the attributes of every *Error in err's chain. A key
// set on an outer error shadows the same key further in.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, seen := attrs[k]; !seen {
				attrs[k] = v
			}
		}
		err = e.Underlying
	}
	return attrs
}

// Is, As and Unwrap forward to the standard library so callers need only
// this package.

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func Unwrap(err error) error { return errors.Unwrap(err) }
