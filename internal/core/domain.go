package core

import "time"

// Plan identifies a project's subscription tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
)

// PlanLimits defines the admission budget for a plan.
type PlanLimits struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerMonth  int `json:"requests_per_month"`
}

// planLimits is the static plan table baked into the binary.
var planLimits = map[Plan]PlanLimits{
	PlanFree:    {RequestsPerMinute: 10, RequestsPerMonth: 10_000},
	PlanStarter: {RequestsPerMinute: 60, RequestsPerMonth: 100_000},
	PlanPro:     {RequestsPerMinute: 600, RequestsPerMonth: 2_000_000},
}

// LimitsFor returns the limits for a plan. Unknown plans get the free tier.
func LimitsFor(p Plan) PlanLimits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// ABVariant is one arm of an A/B configuration.
type ABVariant struct {
	Name   string  `json:"name"`
	Model  string  `json:"model"`
	Weight float64 `json:"weight"` // percent, (0,100]
}

// ABConfig is a project's traffic split configuration.
type ABConfig struct {
	Enabled  bool        `json:"enabled"`
	Variants []ABVariant `json:"variants"`
}

// Project is the tenant identity resolved for every request.
type Project struct {
	ID               string    `json:"id"`
	Owner            string    `json:"owner"`
	Plan             Plan      `json:"plan"`
	ABConfig         *ABConfig `json:"ab_config,omitempty"`
	SemanticCache    bool      `json:"semantic_cache"`
	SnapshotsEnabled bool      `json:"snapshots_enabled"`
	CreatedAt        time.Time `json:"created_at"`
}

// APIKey is the directory record for an opaque bearer token. The gateway
// only ever reads keys; creation and revocation live in the dashboard.
type APIKey struct {
	KeyHash    string     `json:"key_hash"`
	KeyPrefix  string     `json:"key_prefix"`
	ProjectID  string     `json:"project_id"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Identity is the result of resolving a bearer token: the project the call
// is billed to, its plan limits, and the display prefix of the key used.
type Identity struct {
	Project   *Project
	Limits    PlanLimits
	KeyPrefix string
}

// Message is a single chat message after admission sanitisation.
type Message struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
	Name    string  `json:"name,omitempty"`
}

// CacheState records how a response was served.
type CacheState string

const (
	CacheMiss     CacheState = "miss"
	CacheExact    CacheState = "exact"
	CacheSemantic CacheState = "semantic"
)

// TokenUsage holds token counts for one request.
type TokenUsage struct {
	Prompt     int  `json:"prompt_tokens"`
	Completion int  `json:"completion_tokens"`
	Total      int  `json:"total_tokens"`
	Estimated  bool `json:"estimated,omitempty"`
}
