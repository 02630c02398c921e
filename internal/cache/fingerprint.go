// Package cache serves repeated requests without an upstream round trip.
// Two layers: an exact fingerprint cache in Redis and an optional
// in-memory semantic cache matched by embedding similarity.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/llmtrace/gateway/internal/core"
)

// fingerprintPayload is the canonical view of a request: only the fields
// that influence the upstream output, in a fixed field order.
type fingerprintPayload struct {
	Kind           string            `json:"kind"`
	Model          string            `json:"model"`
	Messages       []normalizedMsg   `json:"messages,omitempty"`
	Input          string            `json:"input,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	TopP           *float64          `json:"top_p,omitempty"`
	Tools          []json.RawMessage `json:"tools,omitempty"`
	ResponseFormat json.RawMessage   `json:"response_format,omitempty"`
}

type normalizedMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fingerprint computes the cache key for a request:
// "<kind>:<hex sha256 of the canonical JSON>". Message content is
// case-folded and whitespace-collapsed so trivial rephrasings of the same
// prompt share an entry; role order, model, and sampling parameters all
// change the key.
func Fingerprint(req *core.ProxyRequest) string {
	payload := fingerprintPayload{
		Kind:           string(req.Kind),
		Model:          req.Model,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Tools:          req.Tools,
		ResponseFormat: req.ResponseFormat,
	}
	if req.Kind == core.RequestChat {
		payload.Messages = make([]normalizedMsg, 0, len(req.Messages))
		for _, m := range req.Messages {
			content := ""
			if m.Content != nil {
				content = NormalizeText(*m.Content)
			}
			payload.Messages = append(payload.Messages, normalizedMsg{Role: m.Role, Content: content})
		}
	} else {
		payload.Input = NormalizeText(req.InputText)
	}

	canonical, _ := json.Marshal(payload)
	sum := sha256.Sum256(canonical)
	return string(req.Kind) + ":" + hex.EncodeToString(sum[:])
}

// NormalizeText lowercases and collapses runs of whitespace to one space.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
