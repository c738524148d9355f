package errors

import (
	stderrors "errors"
	"fmt"
)

// BrainError is the structured error type for Agent Brain.
type BrainError struct {
	// Kind is the failure classification.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Hint is an actionable suggestion for the user, when a fix is known.
	Hint string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error

	// Retryable indicates if the operation can be retried as-is.
	Retryable bool
}

// Error implements the error interface.
func (e *BrainError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *BrainError) Unwrap() error {
	return e.Cause
}

// Is matches BrainErrors by kind, enabling errors.Is with sentinel kinds.
func (e *BrainError) Is(target error) bool {
	if t, ok := target.(*BrainError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail. Returns the error for chaining.
func (e *BrainError) WithDetail(key, value string) *BrainError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithHint sets an actionable suggestion. Returns the error for chaining.
func (e *BrainError) WithHint(hint string) *BrainError {
	e.Hint = hint
	return e
}

// AsRetryable marks the error safe to retry regardless of kind. Used
// for transient failures inside kinds that are not retryable by
// default, such as provider network errors and timeouts.
func (e *BrainError) AsRetryable() *BrainError {
	e.Retryable = true
	return e
}

// New creates a BrainError with the given kind and message.
func New(kind Kind, message string) *BrainError {
	return &BrainError{
		Kind:      kind,
		Message:   message,
		Retryable: IsRetryableKind(kind),
	}
}

// Newf creates a BrainError with a formatted message.
func Newf(kind Kind, format string, args ...any) *BrainError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates a BrainError from an existing error, preserving it as the
// cause. Returns nil if err is nil. If err is already a BrainError it is
// returned unchanged so the original kind survives layered wrapping.
func Wrap(kind Kind, err error) *BrainError {
	if err == nil {
		return nil
	}
	var be *BrainError
	if stderrors.As(err, &be) {
		return be
	}
	return &BrainError{
		Kind:      kind,
		Message:   err.Error(),
		Cause:     err,
		Retryable: IsRetryableKind(kind),
	}
}

// Wrapf creates a BrainError with a formatted message and a cause.
func Wrapf(kind Kind, err error, format string, args ...any) *BrainError {
	return &BrainError{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Cause:     err,
		Retryable: IsRetryableKind(kind),
	}
}

// KindOf extracts the kind from an error chain.
// Returns KindInternal for non-Brain errors, "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *BrainError
	if stderrors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain contains a BrainError of kind k.
func IsKind(err error, k Kind) bool {
	var be *BrainError
	if stderrors.As(err, &be) {
		return be.Kind == k
	}
	return false
}

// IsRetryable reports whether the error chain allows a retry.
func IsRetryable(err error) bool {
	var be *BrainError
	if stderrors.As(err, &be) {
		return be.Retryable
	}
	return false
}
