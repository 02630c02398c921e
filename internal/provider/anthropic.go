package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/llmtrace/gateway/internal/core"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// anthropicClient translates between the OpenAI wire format the gateway
// speaks and Anthropic's messages API.
type anthropicClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewAnthropicClient(baseURL, apiKey string, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}
	return &anthropicClient{baseURL: baseURL, apiKey: apiKey, client: httpClient}
}

func (c *anthropicClient) Name() Name { return Anthropic }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

func (c *anthropicClient) Send(ctx context.Context, req *core.ProxyRequest) (*http.Response, error) {
	body, err := translateAnthropicRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return c.client.Do(httpReq)
}

// translateAnthropicRequest maps an OpenAI-shaped chat request onto the
// messages API: system messages become the system prompt, tool/function
// roles fold into user turns, and max_tokens gets the required default.
func translateAnthropicRequest(req *core.ProxyRequest) ([]byte, error) {
	if req.Kind != core.RequestChat {
		return nil, fmt.Errorf("anthropic supports only chat requests, got %s", req.Kind)
	}

	out := anthropicRequest{
		Model:     req.Model,
		MaxTokens: anthropicDefaultMaxTokens,
		TopP:      req.TopP,
		Stream:    req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		// Anthropic caps temperature at 1.
		t := *req.Temperature
		if t > 1 {
			t = 1
		}
		out.Temperature = &t
	}

	var system []string
	for _, m := range req.Messages {
		content := ""
		if m.Content != nil {
			content = *m.Content
		}
		switch m.Role {
		case "system":
			system = append(system, content)
		case "assistant":
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: content})
		default:
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: content})
		}
	}
	out.System = strings.Join(system, "\n")

	return json.Marshal(out)
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func (c *anthropicClient) ParseBuffered(req *core.ProxyRequest, body []byte) (json.RawMessage, core.TokenUsage, string, error) {
	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, core.TokenUsage{}, "", fmt.Errorf("decode anthropic response: %w", err)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	output := text.String()

	usage := core.TokenUsage{
		Prompt:     parsed.Usage.InputTokens,
		Completion: parsed.Usage.OutputTokens,
		Total:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
	}

	// Re-shape into the OpenAI chat completion envelope the client expects.
	openAIShape := map[string]interface{}{
		"id":     parsed.ID,
		"object": "chat.completion",
		"model":  parsed.Model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": output},
			"finish_reason": mapStopReason(parsed.StopReason),
		}},
		"usage": map[string]int{
			"prompt_tokens":     usage.Prompt,
			"completion_tokens": usage.Completion,
			"total_tokens":      usage.Total,
		},
	}
	shaped, err := json.Marshal(openAIShape)
	if err != nil {
		return nil, core.TokenUsage{}, "", err
	}
	return shaped, usage, output, nil
}

// anthropicEvent is the envelope of one streaming event.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// DecodeChunk translates Anthropic stream events into OpenAI chunk frames.
// message_start carries input tokens, content_block_delta the text,
// message_delta output tokens, and message_stop ends the stream.
func (c *anthropicClient) DecodeChunk(req *core.ProxyRequest, data []byte) ChunkResult {
	var ev anthropicEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChunkResult{}
	}

	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Text == "" {
			return ChunkResult{}
		}
		frame, _ := json.Marshal(map[string]interface{}{
			"object": "chat.completion.chunk",
			"model":  req.Model,
			"choices": []map[string]interface{}{{
				"index":         0,
				"delta":         map[string]string{"content": ev.Delta.Text},
				"finish_reason": nil,
			}},
		})
		return ChunkResult{Frames: [][]byte{frame}, DeltaText: ev.Delta.Text}

	case "message_start":
		return ChunkResult{Usage: &core.TokenUsage{Prompt: ev.Message.Usage.InputTokens}}

	case "message_delta":
		res := ChunkResult{Usage: &core.TokenUsage{Completion: ev.Usage.OutputTokens}}
		if ev.Delta.StopReason != "" {
			frame, _ := json.Marshal(map[string]interface{}{
				"object": "chat.completion.chunk",
				"model":  req.Model,
				"choices": []map[string]interface{}{{
					"index":         0,
					"delta":         map[string]string{},
					"finish_reason": mapStopReason(ev.Delta.StopReason),
				}},
			})
			res.Frames = [][]byte{frame}
		}
		return res

	case "message_stop":
		return ChunkResult{Done: true}
	}
	// ping, content_block_start, content_block_stop carry nothing we need.
	return ChunkResult{}
}
