package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies every error the gateway surfaces to a client.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindInvalidRequest      Kind = "invalid_request"
	KindRateLimited         Kind = "rate_limited"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindNotFound            Kind = "not_found"
	KindProviderError       Kind = "provider_error"
	KindProviderTimeout     Kind = "provider_timeout"
	KindProviderRateLimited Kind = "provider_rate_limited"
	KindUpstreamUnreachable Kind = "upstream_unreachable"
	KindBadUpstreamResponse Kind = "bad_upstream_response"
	KindInternal            Kind = "internal"
)

// HTTPStatus maps an error kind to the status code the client sees.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindRateLimited, KindQuotaExceeded, KindProviderRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindProviderError, KindBadUpstreamResponse:
		return http.StatusBadGateway
	case KindProviderTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorDetails carries the rate-limit/quota context attached to 429s.
type ErrorDetails struct {
	Limit      int   `json:"limit,omitempty"`
	Remaining  int   `json:"remaining,omitempty"`
	ResetAt    int64 `json:"resetAt,omitempty"`
	RetryAfter int   `json:"retryAfter,omitempty"`
}

// Error is the gateway's structured error. It implements error and carries
// everything needed to render the client envelope.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details *ErrorDetails
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a structured error of the given kind.
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError attaches an underlying cause.
func WrapError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// WithDetails attaches rate-limit/quota details and returns the error.
func (e *Error) WithDetails(d ErrorDetails) *Error {
	e.Details = &d
	return e
}

// AsError extracts a *Error from any error chain, defaulting to internal.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindInternal, Code: "internal_error", Message: err.Error(), cause: err}
}
