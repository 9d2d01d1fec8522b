// Package attackscore ingests documents and scores them against the MITRE
// ATT&CK knowledge base, producing ranked technique matches with confidence
// scores, contexts, and tactic coverage.
package attackscore

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers (and the WorkflowEngine's retry
// logic) can decide whether to retry, surface, or log-and-continue.
type ErrorKind string

const (
	// KindInvalidInput marks a bad URL, unsupported format, oversized input,
	// or a blocked host. Always surfaced to the caller, never retried.
	KindInvalidInput ErrorKind = "InvalidInput"
	// KindFetchFailed marks a transport failure, a non-304 4xx, or a
	// retry-exhausted 5xx from an HTTP fetch.
	KindFetchFailed ErrorKind = "FetchFailed"
	// KindInvalidBundle marks a malformed STIX bundle.
	KindInvalidBundle ErrorKind = "InvalidBundle"
	// KindExtractionFailed marks a failure inside a format-specific text extractor.
	KindExtractionFailed ErrorKind = "ExtractionFailed"
	// KindTransient marks a timeout, network flap, rate limit, or an
	// open LLM circuit breaker. Retried per TaskDefinition.
	KindTransient ErrorKind = "Transient"
	// KindCancelled marks an externally cancelled operation. Terminal, never retried.
	KindCancelled ErrorKind = "Cancelled"
	// KindInternal marks anything else.
	KindInternal ErrorKind = "Internal"
)

// Error is the typed error returned by every core component. Code selects
// the retry/surface behavior; Err (if set) is the underlying cause.
type Error struct {
	Code    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error with the given kind and message.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Code: kind, Message: message, Err: cause}
}

// Invalid, Internal and similar constructors save the common cases a single call.
func Invalid(format string, args ...any) *Error {
	return &Error{Code: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func FetchFailed(cause error, format string, args ...any) *Error {
	return &Error{Code: KindFetchFailed, Message: fmt.Sprintf(format, args...), Err: cause}
}

func InvalidBundle(format string, args ...any) *Error {
	return &Error{Code: KindInvalidBundle, Message: fmt.Sprintf(format, args...)}
}

func ExtractionFailed(cause error, format string, args ...any) *Error {
	return &Error{Code: KindExtractionFailed, Message: fmt.Sprintf(format, args...), Err: cause}
}

func Transient(cause error, format string, args ...any) *Error {
	return &Error{Code: KindTransient, Message: fmt.Sprintf(format, args...), Err: cause}
}

func Internal(cause error, format string, args ...any) *Error {
	return &Error{Code: KindInternal, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Cancelled is the sentinel returned when an operation observes a cancellation signal.
var Cancelled = &Error{Code: KindCancelled, Message: "cancelled"}

// KindOf extracts the ErrorKind from err, defaulting to KindInternal when err
// is not one of our typed errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return KindInternal
}

// IsTransient reports whether err should be retried by a caller that does its
// own backoff (Fetcher, DocIngest's URL fetch, the WorkflowEngine's task
// retry). The LLM client does not retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
