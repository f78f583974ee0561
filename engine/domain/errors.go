package domain

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a pipeline failure. Stage boundaries are queue boundaries,
// so every error that crosses a handler carries a kind the worker loop can
// act on: Nak with delay, dead-letter, or terminal record.
type Kind int

const (
	KindTransient   Kind = iota // retryable: 5xx, resets, timeouts
	KindRateLimited             // retryable after a delay hint
	KindValidation              // malformed input or self-produced output
	KindNotFound                // referenced blob or record missing
	KindFatal                   // misconfiguration, bad credentials
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors for common pipeline conditions.
var (
	ErrLeaseHeld       = errors.New("lease held by another worker")
	ErrDuplicate       = errors.New("duplicate content")
	ErrQualityTooLow   = errors.New("quality below threshold")
	ErrTerminal        = errors.New("topic terminally failed")
	ErrInvalidFilename = errors.New("filename violates grammar")
	ErrInvalidBlobName = errors.New("unsafe blob name")
)

// PipelineError wraps an error with its kind and the operation that failed.
type PipelineError struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration // advisory, set for KindRateLimited
	Err        error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// Ef wraps a formatted error with a kind and operation name.
func Ef(kind Kind, op, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// RateLimited builds a rate-limit error carrying the server's delay hint.
func RateLimited(op string, retryAfter time.Duration, err error) *PipelineError {
	return &PipelineError{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the kind from err, defaulting to KindTransient so that
// unclassified failures stay on the redelivery path rather than dead-lettering.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// RetryAfterOf returns the delay hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// IsRetryable reports whether the worker loop should redeliver after err.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}
