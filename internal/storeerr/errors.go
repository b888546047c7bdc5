package storeerr

import (
	"errors"
	"fmt"
)

// Kind categorizes store errors.
type Kind string

const (
	// KindValidation indicates malformed input: a bad key, a malformed
	// artifact name, an unsupported bundle format.
	KindValidation Kind = "VALIDATION"

	// KindNotFound indicates a read of a nonexistent key, span, snapshot
	// or bundle.
	KindNotFound Kind = "NOT_FOUND"

	// KindConsistency indicates a content hash mismatch, a metadata
	// mismatch during repair, or a read of a pruned historical span.
	KindConsistency Kind = "CONSISTENCY"

	// KindIncompleteData indicates a completeness check failed for the
	// requested artifact mode.
	KindIncompleteData Kind = "INCOMPLETE_DATA"

	// KindState indicates an operation that is invalid in the current
	// state, such as appending to a vat with no current span.
	KindState Kind = "STATE"
)

// Error is the single error type returned by the store for correctness
// failures. None of them are retried.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Message is a human-readable description.
	Message string

	// Subject names the offending key, artifact, vat or hash.
	Subject string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Subject)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind Kind, subject, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Subject: subject}
}

// Validation creates a KindValidation error.
func Validation(subject, format string, args ...any) *Error {
	return newError(KindValidation, subject, format, args...)
}

// NotFound creates a KindNotFound error.
func NotFound(subject, format string, args ...any) *Error {
	return newError(KindNotFound, subject, format, args...)
}

// Consistency creates a KindConsistency error.
func Consistency(subject, format string, args ...any) *Error {
	return newError(KindConsistency, subject, format, args...)
}

// IncompleteData creates a KindIncompleteData error.
func IncompleteData(subject, format string, args ...any) *Error {
	return newError(KindIncompleteData, subject, format, args...)
}

// State creates a KindState error.
func State(subject, format string, args ...any) *Error {
	return newError(KindState, subject, format, args...)
}

// KindOf returns the kind of err, or "" if err is not (and does not
// wrap) an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsValidation reports whether err is a KindValidation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConsistency reports whether err is a KindConsistency error.
func IsConsistency(err error) bool { return KindOf(err) == KindConsistency }

// IsIncompleteData reports whether err is a KindIncompleteData error.
func IsIncompleteData(err error) bool { return KindOf(err) == KindIncompleteData }

// IsState reports whether err is a KindState error.
func IsState(err error) bool { return KindOf(err) == KindState }
