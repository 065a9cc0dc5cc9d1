// Package errors wraps the standard library's error chain with a Kind tag
// and an attribute bag, so callers across config loading, command
// handling, and the kernel-facing managers can classify and annotate
// failures without inventing a bespoke error type per package.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for dispatch (e.g. choosing an HTTP status or
// a log level) without inspecting its message text.
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
)

func (k Kind) String() string {
	names := map[Kind]string{
		KindInternal:    "internal",
		KindValidation:  "validation",
		KindNotFound:    "not_found",
		KindPermission:  "permission",
		KindConflict:    "conflict",
		KindUnavailable: "unavailable",
		KindTimeout:     "timeout",
	}
	if name, ok := names[k]; ok {
		return name
	}
	return "unknown"
}

// Error pairs a Kind and a message with an optional wrapped cause and a
// free-form attribute bag (e.g. {"interface": "wlan0"}) attached by Attr.
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
	return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func build(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Underlying: cause}
}

// New creates an Error of kind with a fixed message.
func New(kind Kind, msg string) error {
	return build(kind, msg, nil)
}

// Errorf creates an Error of kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return build(kind, fmt.Sprintf(format, args...), nil)
}

// Wrap creates an Error of kind around cause, or returns nil if cause is
// nil so callers can write `return errors.Wrap(err, ..., ...)` unconditionally.
func Wrap(cause error, kind Kind, msg string) error {
	if cause == nil {
		return nil
	}
	return build(kind, msg, cause)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return build(kind, fmt.Sprintf(format, args...), cause)
}

// Attr attaches key/val to err's attribute bag. If err is not already an
// *Error it is first lifted into one (KindInternal, message from
// err.Error()) so Attr is safe to call on any error value.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = build(KindInternal, err.Error(), err)
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any, 1)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the first *Error in err's chain, or
// KindUnknown if no error in the chain is an *Error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes collects attributes from every *Error in err's chain,
// innermost keys losing to outermost on collision.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	for cur := err; cur != nil; {
		var e *Error
		if !errors.As(cur, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, seen := attrs[k]; !seen {
				attrs[k] = v
			}
		}
		cur = e.Underlying
	}
	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain assignable to target.
func As(err error, target any) bool { return errors.As(err, target) }

// Unwrap returns the result of calling err's Unwrap method, if it has one.
func Unwrap(err error) error { return errors.Unwrap(err) }
