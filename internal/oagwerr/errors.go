// Package oagwerr defines the stable error taxonomy for the gateway core.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is().
//   - The structured Error type for taxonomy errors that carry a kind,
//     an HTTP-style status, and optional structured fields. It implements
//     Error(), Unwrap(), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package oagwerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies one class in the gateway error taxonomy. The string form
// is stable and machine-readable; versioned type strings are derived from it.
type Kind string

// Core taxonomy kinds.
const (
	KindValidation          Kind = "validation_error"
	KindMissingTargetHost   Kind = "missing_target_host"
	KindInvalidTargetHost   Kind = "invalid_target_host"
	KindUnknownTargetHost   Kind = "unknown_target_host"
	KindRouteNotFound       Kind = "route_not_found"
	KindUpstreamNotFound    Kind = "upstream_not_found"
	KindAuthFailed          Kind = "authentication_failed"
	KindSecretNotFound      Kind = "secret_not_found"
	KindPluginNotFound      Kind = "plugin_not_found"
	KindPluginInUse         Kind = "plugin_in_use"
	KindPluginRejected      Kind = "plugin_rejected"
	KindRateLimitExceeded   Kind = "rate_limit.exceeded"
	KindConcurrencyExceeded Kind = "concurrency_limit.exceeded"
	KindCircuitOpen         Kind = "circuit_breaker.open"
	KindQueueFull           Kind = "queue.full"
	KindQueueTimeout        Kind = "queue.timeout"
	KindProtocolError       Kind = "protocol_error"
	KindConnectionTimeout   Kind = "connection_timeout"
	KindRequestTimeout      Kind = "request_timeout"
	KindIdleTimeout         Kind = "idle_timeout"
	KindStreamAborted       Kind = "stream_aborted"
	KindDownstreamError     Kind = "downstream_error"
	KindInternal            Kind = "internal_error"
)

// TypeString returns the versioned machine-readable type string for the kind.
func (k Kind) TypeString() string {
	return string(k) + ".v1"
}

// defaultStatus maps each kind to its HTTP-style status code.
var defaultStatus = map[Kind]int{
	KindValidation:          http.StatusBadRequest,
	KindMissingTargetHost:   http.StatusBadRequest,
	KindInvalidTargetHost:   http.StatusBadRequest,
	KindUnknownTargetHost:   http.StatusBadRequest,
	KindRouteNotFound:       http.StatusNotFound,
	KindUpstreamNotFound:    http.StatusNotFound,
	KindAuthFailed:          http.StatusUnauthorized,
	KindSecretNotFound:      http.StatusBadGateway,
	KindPluginNotFound:      http.StatusNotFound,
	KindPluginInUse:         http.StatusConflict,
	KindPluginRejected:      http.StatusForbidden,
	KindRateLimitExceeded:   http.StatusTooManyRequests,
	KindConcurrencyExceeded: http.StatusServiceUnavailable,
	KindCircuitOpen:         http.StatusServiceUnavailable,
	KindQueueFull:           http.StatusServiceUnavailable,
	KindQueueTimeout:        http.StatusServiceUnavailable,
	KindProtocolError:       http.StatusBadGateway,
	KindConnectionTimeout:   http.StatusGatewayTimeout,
	KindRequestTimeout:      http.StatusGatewayTimeout,
	KindIdleTimeout:         http.StatusGatewayTimeout,
	KindStreamAborted:       499,
	KindDownstreamError:     http.StatusBadGateway,
	KindInternal:            http.StatusInternalServerError,
}

// retriable lists the kinds that carry a Retry-After hint.
var retriable = map[Kind]bool{
	KindRateLimitExceeded:   true,
	KindConcurrencyExceeded: true,
	KindCircuitOpen:         true,
	KindQueueTimeout:        true,
	KindConnectionTimeout:   true,
	KindRequestTimeout:      true,
	KindIdleTimeout:         true,
}

// Error is a classified gateway failure. Every gateway-originated failure
// path produces exactly one Error; upstream-returned failures pass through
// untouched and never become an Error.
type Error struct {
	Kind       Kind
	Status     int
	Detail     string
	RetryAfter time.Duration
	Fields     map[string]any
	Cause      error
}

// New creates a taxonomy error with the kind's default status.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Status: StatusFor(kind), Detail: detail}
}

// Wrap creates a taxonomy error with an underlying cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Status: StatusFor(kind), Detail: detail, Cause: cause}
}

// StatusFor returns the default HTTP status for a kind.
func StatusFor(kind Kind) int {
	if s, ok := defaultStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// Retriable reports whether the error class carries a Retry-After hint.
func (e *Error) Retriable() bool {
	return retriable[e.Kind]
}

// WithField attaches a structured field such as valid_hosts.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithRetryAfter attaches a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// IsKind reports whether err is a taxonomy error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Classify maps an arbitrary failure into the taxonomy. Already-classified
// errors pass through; everything else becomes an internal error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return Wrap(KindInternal, "unclassified gateway failure", err)
}
