// Package alerting delivers notifications to Slack incoming webhooks.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// TextObject is a Slack text element.
type TextObject struct {
	Type string `json:"type"` // plain_text, mrkdwn
	Text string `json:"text"`
}

// Block is one Slack layout block.
type Block struct {
	Type     string        `json:"type"` // header, section, context, actions, divider
	Text     *TextObject   `json:"text,omitempty"`
	Fields   []TextObject  `json:"fields,omitempty"`
	Elements []interface{} `json:"elements,omitempty"`
}

// Attachment carries the colored sidebar metadata.
type Attachment struct {
	Color  string `json:"color"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// Message is a full Slack webhook payload.
type Message struct {
	Blocks      []Block      `json:"blocks"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Client posts messages to per-project webhook URLs. Projects register
// their webhook through the integrations API.
type Client struct {
	http *http.Client

	mu       sync.RWMutex
	webhooks map[string]string // projectID -> webhook URL
}

func NewClient() *Client {
	return &Client{
		http:     &http.Client{Timeout: 10 * time.Second},
		webhooks: make(map[string]string),
	}
}

// Configure sets or replaces a project's webhook URL.
func (c *Client) Configure(projectID, webhookURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if webhookURL == "" {
		delete(c.webhooks, projectID)
		return
	}
	c.webhooks[projectID] = webhookURL
}

// WebhookFor returns the configured URL, or "".
func (c *Client) WebhookFor(projectID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webhooks[projectID]
}

// Send posts a message to the project's webhook. Success iff Slack
// answers 2xx.
func (c *Client) Send(ctx context.Context, projectID string, msg *Message) error {
	url := c.WebhookFor(projectID)
	if url == "" {
		return fmt.Errorf("no Slack webhook configured for project %s", projectID)
	}
	return c.post(ctx, url, msg)
}

// SendTest probes a webhook URL directly, used by the integration test
// endpoint before the URL is saved.
func (c *Client) SendTest(ctx context.Context, webhookURL string) error {
	return c.post(ctx, webhookURL, &Message{
		Blocks: []Block{
			{Type: "section", Text: &TextObject{Type: "mrkdwn", Text: ":white_check_mark: Gateway Slack integration is working."}},
		},
	})
}

func (c *Client) post(ctx context.Context, url string, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

// PassRateAlert builds the standard alert payload for a rule set whose
// pass rate dropped below its threshold.
func PassRateAlert(ruleSetName string, passRate, threshold float64, samples int, window time.Duration) *Message {
	return &Message{
		Blocks: []Block{
			{Type: "header", Text: &TextObject{Type: "plain_text", Text: "🚨 Evaluation pass rate alert"}},
			{Type: "section", Text: &TextObject{
				Type: "mrkdwn",
				Text: fmt.Sprintf("Rule set *%s* dropped below its pass-rate threshold.", ruleSetName),
			}},
			{Type: "section", Fields: []TextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Pass rate:*\n%.1f%%", passRate*100)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Threshold:*\n%.1f%%", threshold*100)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Samples:*\n%d", samples)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Window:*\n%s", window)},
			}},
			{Type: "divider"},
		},
		Attachments: []Attachment{
			{Color: "#d00000", Footer: "llmtrace gateway", Ts: time.Now().Unix()},
		},
	}
}
