// Package proxyerr defines the typed error kinds produced by the upstream
// client and consumed by the handlers. Only the top-level HTTP handlers
// convert these into Anthropic-shaped error JSON.
package proxyerr

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Kind classifies an upstream or internal failure.
type Kind string

const (
	KindAuthInvalidGrant Kind = "AUTH_INVALID_GRANT"
	KindAuthTransient    Kind = "AUTH_TRANSIENT"
	KindQuotaExhausted   Kind = "QUOTA_EXHAUSTED"
	KindUpstream5xx      Kind = "UPSTREAM_5XX"
	KindUpstreamClient   Kind = "UPSTREAM_4XX_CLIENT"
	KindEmptyResponse    Kind = "EMPTY_RESPONSE"
	KindForbidden        Kind = "FORBIDDEN"
	KindCanceled         Kind = "CANCELED"
	KindInternal         Kind = "INTERNAL"
)

// Error carries a kind plus upstream detail.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int        // upstream HTTP status when known, else 0
	ResetAt    *time.Time // parsed reset time for QUOTA_EXHAUSTED
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// WithStatus sets the upstream status code.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// WithResetAt sets the parsed rate-limit reset time.
func (e *Error) WithResetAt(t time.Time) *Error {
	e.ResetAt = &t
	return e
}

// KindOf extracts the kind from any error. Context cancellation maps to
// CANCELED; unclassified errors map to INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a failure of this kind may be retried on
// another plan attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindAuthTransient, KindQuotaExhausted, KindUpstream5xx, KindEmptyResponse:
		return true
	}
	return false
}

// status5xxPattern matches a 5xx status code on a word boundary, so text
// like "port 5000" does not classify as a server error.
var status5xxPattern = regexp.MustCompile(`\b5\d{2}\b`)

// Is5xx reports whether err represents an upstream 5xx failure, either by
// kind or by a word-bounded 5xx status code in its message.
func Is5xx(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Kind == KindUpstream5xx {
			return true
		}
		if pe.StatusCode >= 500 && pe.StatusCode <= 599 {
			return true
		}
	}
	return status5xxPattern.MatchString(err.Error())
}

// HTTPStatus maps an error to the downstream HTTP status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindQuotaExhausted:
		return 429
	case KindAuthInvalidGrant, KindAuthTransient:
		return 401
	case KindForbidden:
		return 403
	case KindUpstreamClient:
		if pe := AsError(err); pe != nil && pe.StatusCode >= 400 && pe.StatusCode < 500 {
			return pe.StatusCode
		}
		return 400
	case KindEmptyResponse:
		return 502
	case KindUpstream5xx:
		return 502
	case KindCanceled:
		return 499
	default:
		return 500
	}
}

// AsError returns the *Error in err's chain, or nil.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}
