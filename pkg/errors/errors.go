// Package errors provides classified error handling for moor connectors.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Kind categorizes a connector failure. The retry executor and the
// lifecycle layer dispatch on kinds rather than on concrete error values.
type Kind string

const (
	// KindConfiguration marks invalid or missing configuration, unknown
	// registry keys and contract violations detected at construction.
	KindConfiguration Kind = "configuration"
	// KindConnection marks failures to establish or keep the underlying
	// protocol session.
	KindConnection Kind = "connection"
	// KindAuthentication marks rejected credentials or expired tokens.
	KindAuthentication Kind = "authentication"
	// KindPermission marks operations the remote principal may not perform.
	KindPermission Kind = "permission"
	// KindTimeout marks deadline and cancellation failures.
	KindTimeout Kind = "timeout"
	// KindRateLimit marks throttling responses from the remote system.
	KindRateLimit Kind = "rate_limit"
	// KindOperation marks failures of a domain operation on an otherwise
	// healthy connection.
	KindOperation Kind = "operation"
	// KindNotSupported marks operations the connector or remote system
	// cannot perform at all, as opposed to operations that merely failed.
	KindNotSupported Kind = "not_supported"
	// KindRetryExhausted marks an operation that failed after consuming
	// every attempt its retry policy allowed. The last underlying failure
	// is preserved as the cause.
	KindRetryExhausted Kind = "retry_exhausted"
)

// Error is a classified error with optional cause, detail map and the call
// stack captured at creation.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame is a single frame of the captured call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key-value detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap classifies an existing error. Returns nil when err is nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}

	// Preserve the original stack when rewrapping one of ours.
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Kind:    kind,
			Message: message,
			Cause:   err,
			Stack:   existing.Stack,
		}
	}

	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Wrapf classifies an existing error with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or the empty kind when the chain carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// IsKind reports whether the outermost classified error in err's chain has
// the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the failure is transient under the default
// classification: connection, timeout and rate-limit failures.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout, KindRateLimit:
		return true
	default:
		return false
	}
}

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
