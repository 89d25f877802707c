package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and workers MUST use these constants
// instead of hardcoded strings.
const (
	// Auth (webhook authenticity -- rejected, never retried)
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"
	ErrCodeAuthSignatureMissing ErrorCode = "auth_signature_missing"
	ErrCodeAuthVerifyToken      ErrorCode = "auth_verify_token_mismatch"

	// Validation (400) -- malformed inbound data
	ErrCodeValidationMalformedPayload ErrorCode = "validation_malformed_payload"
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"

	// Queue (503 at enqueue time -- provider retries the whole delivery)
	ErrCodeQueueUnavailable ErrorCode = "queue_unavailable"

	// Upstream collaborators (worker side)
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"  // 5xx/network/timeout -- retryable
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited" // 429 -- retryable
	ErrCodeUpstreamRejected    ErrorCode = "upstream_rejected"     // 4xx bad input -- terminal

	// Delivery (reply send -- terminal, never retried to avoid duplicates)
	ErrCodeDeliveryFailed ErrorCode = "delivery_failed"

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code for the
// receiver path. Worker-side errors never reach an HTTP response; the mapping
// exists for the webhook handler and health surfaces.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "auth_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case c == ErrCodeQueueUnavailable:
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// Retryable reports whether a failure with this code should return the job
// to the queue for redelivery. Only transient collaborator failures qualify;
// everything else is terminal from the pipeline's perspective.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeUpstreamUnavailable, ErrCodeUpstreamRateLimited:
		return true
	default:
		return false
	}
}

// AppError is the standard application error type used throughout the
// pipeline. All domain errors should be expressed as AppError to enable
// consistent retry classification, HTTP status mapping, and error chain
// support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsRetryable walks the error chain and reports whether the failure should
// be retried via queue redelivery. Unclassified errors (plain errors with no
// AppError in the chain) are treated as retryable: a bug or unexpected
// condition should surface through redelivery and the attempt cap, not
// silently drop a message.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code.Retryable()
	}
	return true
}

// CodeOf extracts the ErrorCode from an error chain, or
// ErrCodeInternalUnexpected when none is present.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
