package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/llmtrace/gateway/internal/core"
)

// openAICompatible is the shared implementation for providers speaking the
// OpenAI wire format. OpenAI itself and Groq both use it.
type openAICompatible struct {
	name    Name
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAIClient builds the OpenAI integration.
func NewOpenAIClient(baseURL, apiKey string, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}
	return &openAICompatible{name: OpenAI, baseURL: baseURL, apiKey: apiKey, client: httpClient}
}

// NewGroqClient builds the Groq integration. Groq exposes an
// OpenAI-compatible surface under its own base URL.
func NewGroqClient(baseURL, apiKey string, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}
	return &openAICompatible{name: Groq, baseURL: baseURL, apiKey: apiKey, client: httpClient}
}

func (c *openAICompatible) Name() Name { return c.name }

func (c *openAICompatible) Send(ctx context.Context, req *core.ProxyRequest) (*http.Response, error) {
	body, err := req.Body()
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+req.Path(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return c.client.Do(httpReq)
}

// openAIResponse covers the fields the accountant needs from chat,
// completion, and embedding responses alike.
type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAICompatible) ParseBuffered(req *core.ProxyRequest, body []byte) (json.RawMessage, core.TokenUsage, string, error) {
	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, core.TokenUsage{}, "", fmt.Errorf("decode %s response: %w", c.name, err)
	}

	var usage core.TokenUsage
	if parsed.Usage != nil {
		usage = core.TokenUsage{
			Prompt:     parsed.Usage.PromptTokens,
			Completion: parsed.Usage.CompletionTokens,
			Total:      parsed.Usage.TotalTokens,
		}
	}

	output := ""
	if len(parsed.Choices) > 0 {
		if parsed.Choices[0].Message.Content != "" {
			output = parsed.Choices[0].Message.Content
		} else {
			output = parsed.Choices[0].Text
		}
	}
	return json.RawMessage(body), usage, output, nil
}

// openAIChunk is one streaming delta frame.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAICompatible) DecodeChunk(req *core.ProxyRequest, data []byte) ChunkResult {
	if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
		return ChunkResult{Done: true}
	}

	res := ChunkResult{Frames: [][]byte{data}}
	var chunk openAIChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Forward unparseable frames untouched; reconstruction just loses
		// that delta.
		return res
	}
	if len(chunk.Choices) > 0 {
		if chunk.Choices[0].Delta.Content != "" {
			res.DeltaText = chunk.Choices[0].Delta.Content
		} else {
			res.DeltaText = chunk.Choices[0].Text
		}
	}
	if chunk.Usage != nil {
		res.Usage = &core.TokenUsage{
			Prompt:     chunk.Usage.PromptTokens,
			Completion: chunk.Usage.CompletionTokens,
			Total:      chunk.Usage.TotalTokens,
		}
	}
	return res
}
