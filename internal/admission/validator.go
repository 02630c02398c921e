// Package admission validates and sanitises inbound proxy requests before
// anything else touches them. Validation failures fail closed.
package admission

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/pricing"
)

const (
	// MaxBodySize caps inbound request bodies at 1 MiB.
	MaxBodySize = 1 << 20

	maxMessages      = 100
	maxContentLength = 100_000
	maxStopLength    = 1000
	maxStopArray     = 10
	maxTools         = 50
)

var allowedRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"function":  true,
	"tool":      true,
}

// Validate parses and validates a proxy request body for the given kind.
// The returned request carries both the typed view and the raw body; message
// content comes back sanitised.
func Validate(kind core.RequestKind, body []byte) (*core.ProxyRequest, *core.Error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, core.NewError(core.KindInvalidRequest, "invalid_json", "request body is not valid JSON")
	}

	req := &core.ProxyRequest{Kind: kind, Raw: raw}

	if err := json.Unmarshal(raw["model"], &req.Model); err != nil || req.Model == "" {
		return nil, core.NewError(core.KindInvalidRequest, "missing_model", "model is required")
	}
	if !pricing.Supported(req.Model) {
		return nil, core.NewError(core.KindInvalidRequest, "unknown_model",
			fmt.Sprintf("model %q is not supported", req.Model))
	}

	if err := validateSampling(req, raw); err != nil {
		return nil, err
	}

	switch kind {
	case core.RequestChat:
		if err := validateMessages(req, raw); err != nil {
			return nil, err
		}
	case core.RequestCompletion:
		text, err := validateTextField(raw, "prompt")
		if err != nil {
			return nil, err
		}
		req.InputText = text
	case core.RequestEmbedding:
		text, err := validateTextField(raw, "input")
		if err != nil {
			return nil, err
		}
		req.InputText = text
	}

	if b, ok := raw["stream"]; ok {
		if err := json.Unmarshal(b, &req.Stream); err != nil {
			return nil, core.NewError(core.KindInvalidRequest, "invalid_stream", "stream must be a boolean")
		}
	}
	if b, ok := raw["response_format"]; ok {
		req.ResponseFormat = b
	}

	return req, nil
}

func validateSampling(req *core.ProxyRequest, raw map[string]json.RawMessage) *core.Error {
	if b, ok := raw["temperature"]; ok && string(b) != "null" {
		var t float64
		if err := json.Unmarshal(b, &t); err != nil || t < 0 || t > 2 {
			return core.NewError(core.KindInvalidRequest, "invalid_temperature", "temperature must be between 0 and 2")
		}
		req.Temperature = &t
	}
	if b, ok := raw["top_p"]; ok && string(b) != "null" {
		var p float64
		if err := json.Unmarshal(b, &p); err != nil || p < 0 || p > 1 {
			return core.NewError(core.KindInvalidRequest, "invalid_top_p", "top_p must be between 0 and 1")
		}
		req.TopP = &p
	}
	if b, ok := raw["max_tokens"]; ok && string(b) != "null" {
		var m int
		if err := json.Unmarshal(b, &m); err != nil || m < 1 || m > 128_000 {
			return core.NewError(core.KindInvalidRequest, "invalid_max_tokens", "max_tokens must be between 1 and 128000")
		}
		req.MaxTokens = &m
	}
	if b, ok := raw["stop"]; ok && string(b) != "null" {
		if err := validateStop(b); err != nil {
			return err
		}
	}
	if b, ok := raw["tools"]; ok && string(b) != "null" {
		var tools []json.RawMessage
		if err := json.Unmarshal(b, &tools); err != nil {
			return core.NewError(core.KindInvalidRequest, "invalid_tools", "tools must be an array")
		}
		if len(tools) > maxTools {
			return core.NewError(core.KindInvalidRequest, "too_many_tools",
				fmt.Sprintf("tools must have at most %d entries", maxTools))
		}
		req.Tools = tools
	}
	return nil
}

func validateStop(b json.RawMessage) *core.Error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if len(single) > maxStopLength {
			return core.NewError(core.KindInvalidRequest, "invalid_stop", "stop string too long")
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return core.NewError(core.KindInvalidRequest, "invalid_stop", "stop must be a string or array of strings")
	}
	if len(many) > maxStopArray {
		return core.NewError(core.KindInvalidRequest, "invalid_stop",
			fmt.Sprintf("stop array must have at most %d entries", maxStopArray))
	}
	for _, s := range many {
		if len(s) > maxStopLength {
			return core.NewError(core.KindInvalidRequest, "invalid_stop", "stop string too long")
		}
	}
	return nil
}

func validateMessages(req *core.ProxyRequest, raw map[string]json.RawMessage) *core.Error {
	b, ok := raw["messages"]
	if !ok {
		return core.NewError(core.KindInvalidRequest, "missing_messages", "messages is required")
	}
	var msgs []core.Message
	if err := json.Unmarshal(b, &msgs); err != nil {
		return core.NewError(core.KindInvalidRequest, "invalid_messages", "messages must be an array of message objects")
	}
	if len(msgs) == 0 || len(msgs) > maxMessages {
		return core.NewError(core.KindInvalidRequest, "invalid_messages",
			fmt.Sprintf("messages must have between 1 and %d entries", maxMessages))
	}

	var inputParts []string
	for i := range msgs {
		if !allowedRoles[msgs[i].Role] {
			return core.NewError(core.KindInvalidRequest, "invalid_role",
				fmt.Sprintf("message %d has unsupported role %q", i, msgs[i].Role))
		}
		if msgs[i].Content != nil {
			if len(*msgs[i].Content) > maxContentLength {
				return core.NewError(core.KindInvalidRequest, "content_too_long",
					fmt.Sprintf("message %d content exceeds %d characters", i, maxContentLength))
			}
			clean := SanitizeContent(*msgs[i].Content)
			msgs[i].Content = &clean
			inputParts = append(inputParts, clean)
		}
	}

	if err := req.SetMessages(msgs); err != nil {
		return core.WrapError(core.KindInternal, "encode_messages", "failed to re-encode messages", err)
	}
	req.InputText = strings.Join(inputParts, "\n")
	return nil
}

// validateTextField checks a prompt/input field that may be a string or an
// array of strings, applying the same length rules as message content.
func validateTextField(raw map[string]json.RawMessage, field string) (string, *core.Error) {
	b, ok := raw[field]
	if !ok {
		return "", core.NewError(core.KindInvalidRequest, "missing_"+field, field+" is required")
	}
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if len(single) > maxContentLength {
			return "", core.NewError(core.KindInvalidRequest, field+"_too_long",
				fmt.Sprintf("%s exceeds %d characters", field, maxContentLength))
		}
		return SanitizeContent(single), nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return "", core.NewError(core.KindInvalidRequest, "invalid_"+field, field+" must be a string or array of strings")
	}
	if len(many) == 0 {
		return "", core.NewError(core.KindInvalidRequest, "invalid_"+field, field+" must not be empty")
	}
	parts := make([]string, 0, len(many))
	for _, s := range many {
		if len(s) > maxContentLength {
			return "", core.NewError(core.KindInvalidRequest, field+"_too_long",
				fmt.Sprintf("%s entry exceeds %d characters", field, maxContentLength))
		}
		parts = append(parts, SanitizeContent(s))
	}
	return strings.Join(parts, "\n"), nil
}

// SanitizeContent strips control characters except newline and tab.
func SanitizeContent(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
