// Package errs defines the closed error-kind taxonomy of §7: not
// language exception types, but a small set of sentinel-wrapped kinds
// the engine, adapters, and API branch on.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the five error kinds from §7.
type Kind string

const (
	// SourceUnavailable — transport, authentication, or 5xx exhaustion.
	// Recorded in sync state; the engine continues in degraded mode.
	SourceUnavailable Kind = "source_unavailable"

	// SourceMalformed — parse failure for a single record. The record
	// is skipped and a counter is bumped; the rest of the batch proceeds.
	SourceMalformed Kind = "source_malformed"

	// ClassificationSkipped — cross-currency or missing data for a
	// specific comparison. The record is retained at its weakest
	// satisfiable status.
	ClassificationSkipped Kind = "classification_skipped"

	// StoreUnavailable — fatal; the cycle aborts and the next cycle retries.
	StoreUnavailable Kind = "store_unavailable"

	// InvalidInput — returned to an API caller for a bad manual mutation.
	InvalidInput Kind = "invalid_input"
)

// Error wraps an underlying cause with one of the closed kinds above.
type Error struct {
	Kind   Kind
	Source string // source key or component, e.g. "oasys", "invoice"
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, source, detail string, cause error) *Error {
	return &Error{Kind: kind, Source: source, Detail: detail, Cause: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether a transport error is eligible for the
// backoff retry policy of §4.5/§5 — connection reset, timeout, or 5xx.
// Classification errors are never retried.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == SourceUnavailable
	}
	return false
}
