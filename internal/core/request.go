package core

import (
	"encoding/json"
	"fmt"
)

// RequestKind partitions the proxy surface. It namespaces cache
// fingerprints so a chat request can never collide with an embedding.
type RequestKind string

const (
	RequestChat       RequestKind = "chat"
	RequestCompletion RequestKind = "completion"
	RequestEmbedding  RequestKind = "embedding"
)

// ProxyRequest is a validated OpenAI-compatible request. The typed fields
// drive admission, caching, and routing; Raw preserves every field the
// client sent so forwarding is lossless.
type ProxyRequest struct {
	Kind RequestKind

	Model          string
	Messages       []Message
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	Stream         bool
	Tools          []json.RawMessage
	ResponseFormat json.RawMessage

	// InputText is the flattened textual input (message contents, prompt,
	// or embedding input) used by the semantic cache and token estimation.
	InputText string

	Raw map[string]json.RawMessage
}

// SetModel rewrites the model both on the typed view and in the raw body,
// so the upstream sees the rewritten value.
func (r *ProxyRequest) SetModel(model string) error {
	b, err := json.Marshal(model)
	if err != nil {
		return err
	}
	r.Model = model
	r.Raw["model"] = b
	return nil
}

// SetMessages replaces the message list in both views. Used after
// sanitisation and by trace replay.
func (r *ProxyRequest) SetMessages(msgs []Message) error {
	b, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	r.Messages = msgs
	r.Raw["messages"] = b
	return nil
}

// Body marshals the raw request for upstream forwarding.
func (r *ProxyRequest) Body() ([]byte, error) {
	b, err := json.Marshal(r.Raw)
	if err != nil {
		return nil, fmt.Errorf("marshal proxy body: %w", err)
	}
	return b, nil
}

// Path returns the OpenAI-compatible endpoint path for this request kind.
func (r *ProxyRequest) Path() string {
	switch r.Kind {
	case RequestCompletion:
		return "/v1/completions"
	case RequestEmbedding:
		return "/v1/embeddings"
	default:
		return "/v1/chat/completions"
	}
}
