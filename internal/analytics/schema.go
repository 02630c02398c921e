// Package analytics is the asynchronous fan-out: usage rows flow through a
// bounded in-process queue and land in the warehouse sink in batches. The
// hot path never waits on it.
package analytics

import (
	"time"

	"github.com/llmtrace/gateway/internal/core"
)

// UsageRecord is one append-only usage row per completed request.
type UsageRecord struct {
	RequestID  string           `json:"request_id"`
	Timestamp  time.Time        `json:"timestamp"`
	ProjectID  string           `json:"project_id"`
	KeyPrefix  string           `json:"key_prefix"`
	Path       string           `json:"path"`
	Model      string           `json:"model"`
	Provider   string           `json:"provider"`
	Tokens     core.TokenUsage  `json:"tokens"`
	CostUSD    float64          `json:"cost_usd"`
	LatencyMs  int64            `json:"latency_ms"`
	Cached     core.CacheState  `json:"cached"`
	HTTPStatus int              `json:"http_status"`
	ErrorClass string           `json:"error_class,omitempty"`
	ABVariant  string           `json:"ab_variant,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}
