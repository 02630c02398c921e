package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/ratelimit"
)

// errorBody is the client-visible error envelope:
// {error: {message, type, code, details?}}.
type errorBody struct {
	Message string             `json:"message"`
	Type    string             `json:"type"`
	Code    string             `json:"code"`
	Details *core.ErrorDetails `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeError renders a structured error with its mapped status. Rate-limit
// class errors carry Retry-After.
func writeError(w http.ResponseWriter, err *core.Error) {
	status := err.Kind.HTTPStatus()
	if err.Details != nil && err.Details.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.Details.RetryAfter))
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Message: err.Message,
		Type:    string(err.Kind),
		Code:    err.Code,
		Details: err.Details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// rateLimitHeaders exposes the minute-window decision on every proxied call.
func rateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func details(d ratelimit.Decision) core.ErrorDetails {
	return core.ErrorDetails{
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt.Unix(),
		RetryAfter: d.RetryAfter,
	}
}
