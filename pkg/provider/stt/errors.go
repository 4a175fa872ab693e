package stt

import (
	"bytes"
	"fmt"
)

// ErrorClass partitions provider failures by how the caller must react.
type ErrorClass int

const (
	// ClassTransient marks retryable failures: network errors, 5xx
	// responses, and 429 rate limiting. The router retries these against
	// the same provider with exponential backoff.
	ClassTransient ErrorClass = iota

	// ClassEdgeBlocked marks requests rejected at a network/edge layer
	// (CDN challenge pages, geo blocks) rather than by the provider's
	// application logic. This is the sole trigger for cross-provider
	// fallback — exactly one hop, never a same-provider retry.
	ClassEdgeBlocked

	// ClassFatal marks failures that neither retry nor fallback can fix:
	// authentication and validation errors from the vendor.
	ClassFatal
)

// String returns the lowercase class name used in logs and metrics.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassEdgeBlocked:
		return "edge_blocked"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Error is the typed failure returned by all STT adapters.
type Error struct {
	// Provider names the adapter that produced the error.
	Provider string

	// Class determines retry/fallback handling.
	Class ErrorClass

	// Status is the upstream HTTP status code, if the failure came from an
	// HTTP response. Zero for network-level failures.
	Status int

	// Message is a short human-readable description. It must not contain
	// transcript or audio content.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%s, status %d)", e.Provider, e.Message, e.Class, e.Status)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Class)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a classified provider error.
func NewError(provider string, class ErrorClass, status int, message string, err error) *Error {
	return &Error{Provider: provider, Class: class, Status: status, Message: message, Err: err}
}

// Classify maps an upstream HTTP status and response body to an [ErrorClass].
//
// 429 and 5xx are transient. A 403, or any error response whose body is an
// HTML page instead of the vendor's JSON, indicates the request never
// reached the vendor's application logic — an edge block. Everything else
// (400, 401, 404, 413, ...) is fatal.
func Classify(status int, body []byte) ErrorClass {
	switch {
	case status == 429 || status >= 500:
		return ClassTransient
	case status == 403 || looksLikeEdgePage(body):
		return ClassEdgeBlocked
	default:
		return ClassFatal
	}
}

// looksLikeEdgePage reports whether body is an HTML error page rather than
// an API response. Vendors answer JSON; CDN and edge layers answer HTML.
func looksLikeEdgePage(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return bytes.HasPrefix(trimmed, []byte("<!DOCTYPE")) ||
		bytes.HasPrefix(trimmed, []byte("<html")) ||
		bytes.Contains(trimmed, []byte("Attention Required"))
}
