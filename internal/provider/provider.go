// Package provider maps models to upstream LLM providers and forwards
// requests to them, buffered or streamed.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/llmtrace/gateway/internal/core"
)

// defaultHTTPClient backs providers constructed without an explicit
// client. Per-call deadlines come from the dispatcher's context, so the
// client itself carries no timeout.
var defaultHTTPClient = &http.Client{}

// Name identifies an upstream provider.
type Name string

const (
	OpenAI    Name = "openai"
	Anthropic Name = "anthropic"
	Groq      Name = "groq"
)

// modelPrefixes routes a model name to its provider.
var modelPrefixes = []struct {
	prefix   string
	provider Name
}{
	{"gpt-", OpenAI},
	{"o1", OpenAI},
	{"text-embedding-", OpenAI},
	{"claude-", Anthropic},
	{"llama-", Groq},
	{"mixtral-", Groq},
}

// ForModel resolves the provider for a model name by prefix.
func ForModel(model string) (Name, *core.Error) {
	for _, p := range modelPrefixes {
		if strings.HasPrefix(model, p.prefix) {
			return p.provider, nil
		}
	}
	return "", core.NewError(core.KindInvalidRequest, "unroutable_model",
		"no provider serves model "+model)
}

// ChunkResult is the outcome of decoding one upstream SSE data payload.
type ChunkResult struct {
	// Frames are the OpenAI-shaped payloads to forward to the client,
	// excluding the [DONE] terminator.
	Frames [][]byte
	// DeltaText is the textual content carried by this chunk.
	DeltaText string
	// Usage is set when the chunk carried a usage frame.
	Usage *core.TokenUsage
	// Done is true when the upstream signalled end of stream.
	Done bool
}

// Client is one upstream provider integration.
type Client interface {
	Name() Name

	// Send issues the upstream HTTP call, translating the request shape
	// when the provider is not OpenAI-compatible. The caller owns the
	// response body.
	Send(ctx context.Context, req *core.ProxyRequest) (*http.Response, error)

	// ParseBuffered translates a 2xx buffered body into an
	// OpenAI-compatible response, its token usage, and the output text
	// used for evaluation and the semantic cache.
	ParseBuffered(req *core.ProxyRequest, body []byte) (json.RawMessage, core.TokenUsage, string, error)

	// DecodeChunk translates one upstream SSE data payload.
	DecodeChunk(req *core.ProxyRequest, data []byte) ChunkResult
}

// Registry holds the configured provider clients.
type Registry struct {
	clients map[Name]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[Name]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// Resolve returns the client for a model.
func (r *Registry) Resolve(model string) (Client, *core.Error) {
	name, err := ForModel(model)
	if err != nil {
		return nil, err
	}
	c, ok := r.clients[name]
	if !ok {
		return nil, core.NewError(core.KindInternal, "provider_unconfigured",
			"provider "+string(name)+" is not configured")
	}
	return c, nil
}
