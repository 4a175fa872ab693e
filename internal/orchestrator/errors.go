package orchestrator

import (
	"fmt"
	"net/http"

	"github.com/theramjad/hyperwhisper-cloud/internal/gate"
)

// Code identifies a request failure category. Codes are part of the API
// surface: they appear verbatim in error response bodies so clients can
// branch on them without parsing messages.
type Code string

const (
	// CodeBlocked rejects a blocklisted client IP before any processing.
	CodeBlocked Code = "blocked"

	// CodeAuthRequired means no identifier was supplied at all.
	CodeAuthRequired Code = "auth_required"

	// CodeAuthInvalid means a license key failed validation.
	CodeAuthInvalid Code = "auth_invalid"

	// CodeCreditsInsufficient denies a licensed account below the estimate.
	CodeCreditsInsufficient Code = "credits_insufficient"

	// CodeTrialExhausted denies a trial device below the estimate.
	CodeTrialExhausted Code = "trial_exhausted"

	// CodeQuotaExceeded denies a trial IP past the daily cap.
	CodeQuotaExceeded Code = "quota_exceeded"

	// CodeBadRequest covers malformed input, including unknown provider names.
	CodeBadRequest Code = "bad_request"

	// CodePayloadTooLarge rejects uploads no transport path can carry.
	CodePayloadTooLarge Code = "payload_too_large"

	// CodeProviderUnavailable means the upstream kept failing transiently
	// through every retry.
	CodeProviderUnavailable Code = "provider_unavailable"

	// CodeProviderFailed means the upstream rejected the request for good
	// (including an edge block with no viable fallback).
	CodeProviderFailed Code = "provider_failed"

	// CodeInternal is anything the gateway did to itself.
	CodeInternal Code = "internal_error"
)

// Error is the typed failure crossing the orchestrator boundary. The API
// layer maps it mechanically onto a status and JSON body.
type Error struct {
	Code    Code
	Message string

	// Denial carries remediation data for the credit/quota codes.
	Denial *gate.Denial

	// Err is the underlying cause, logged but never sent to the client.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the code onto the response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeBlocked:
		return http.StatusForbidden
	case CodeAuthRequired, CodeAuthInvalid:
		return http.StatusUnauthorized
	case CodeCreditsInsufficient, CodeTrialExhausted:
		return http.StatusPaymentRequired
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case CodeProviderFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
