package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/llmtrace/gateway/internal/core"
)

// upstreamErrorBody is the error shape most providers return.
type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
	// Anthropic nests differently.
	Message string `json:"message"`
}

// NormalizeTransportError classifies a failed HTTP round trip.
func NormalizeTransportError(name Name, err error) *core.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return core.WrapError(core.KindProviderTimeout, "upstream_timeout",
			fmt.Sprintf("%s did not respond within the deadline", name), err)
	case errors.Is(err, context.Canceled):
		return core.WrapError(core.KindInternal, "request_cancelled", "client cancelled the request", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.WrapError(core.KindProviderTimeout, "upstream_timeout",
			fmt.Sprintf("%s did not respond within the deadline", name), err)
	}
	return core.WrapError(core.KindUpstreamUnreachable, "upstream_unreachable",
		fmt.Sprintf("could not reach %s", name), err)
}

// NormalizeStatusError classifies a non-2xx upstream response.
func NormalizeStatusError(name Name, status int, body []byte) *core.Error {
	message := fmt.Sprintf("%s returned status %d", name, status)
	code := "provider_error"

	var parsed upstreamErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error.Message != "" {
			message = parsed.Error.Message
		} else if parsed.Message != "" {
			message = parsed.Message
		}
		if parsed.Error.Code != "" {
			code = parsed.Error.Code
		} else if parsed.Error.Type != "" {
			code = parsed.Error.Type
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return core.NewError(core.KindProviderRateLimited, code, message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// Our upstream credential is bad, not the caller's.
		return core.NewError(core.KindProviderError, "upstream_auth", message)
	case status >= 500:
		return core.NewError(core.KindProviderError, code, message)
	case status >= 400:
		return core.NewError(core.KindInvalidRequest, code, message)
	default:
		return core.NewError(core.KindBadUpstreamResponse, code, message)
	}
}

// Retryable reports whether a dispatch error may be retried: network-class
// failures and 5xx, never 4xx.
func Retryable(err *core.Error) bool {
	switch err.Kind {
	case core.KindProviderError, core.KindProviderTimeout, core.KindUpstreamUnreachable:
		return true
	default:
		return false
	}
}
