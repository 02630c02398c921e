package database

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/llmtrace/gateway/internal/core"
)

// ============================================================================
// SUPABASE CLIENT - the system of record for projects, keys, and rule sets
// ============================================================================

// Directory is the read interface the resolver needs. The Supabase client
// implements it; tests substitute an in-memory fake.
type Directory interface {
	GetAPIKey(ctx context.Context, keyHash string) (*core.APIKey, error)
	GetProject(ctx context.Context, projectID string) (*core.Project, error)
	TouchKey(ctx context.Context, keyHash string) error
}

// SupabaseClient wraps the Supabase Go client with all gateway operations.
type SupabaseClient struct {
	client *supabase.Client
}

// NewSupabaseClient creates a new Supabase client.
func NewSupabaseClient(url, serviceKey string) (*SupabaseClient, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}

	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseClient{client: client}, nil
}

// ============================================================================
// ROW MODELS
// ============================================================================

// projectRow mirrors the projects table. Timestamps come back as strings in
// Supabase's format, so they stay strings at this layer.
type projectRow struct {
	ID               string                 `json:"id"`
	Owner            string                 `json:"owner"`
	Plan             string                 `json:"plan"`
	ABConfig         *core.ABConfig         `json:"ab_config,omitempty"`
	SemanticCache    bool                   `json:"semantic_cache"`
	SnapshotsEnabled bool                   `json:"snapshots_enabled"`
	Settings         map[string]interface{} `json:"settings,omitempty"`
	CreatedAt        string                 `json:"created_at,omitempty"`
}

type apiKeyRow struct {
	KeyHash    string  `json:"key_hash"`
	KeyPrefix  string  `json:"key_prefix"`
	ProjectID  string  `json:"project_id"`
	IsActive   bool    `json:"is_active"`
	LastUsedAt *string `json:"last_used_at,omitempty"`
}

// RuleSetRow persists an evaluation rule set as stored JSON.
type RuleSetRow struct {
	ID        string                 `json:"id"`
	ProjectID string                 `json:"project_id"`
	Name      string                 `json:"name"`
	Spec      map[string]interface{} `json:"spec"`
	Enabled   bool                   `json:"enabled"`
	CreatedAt string                 `json:"created_at,omitempty"`
	UpdatedAt string                 `json:"updated_at,omitempty"`
}

// SemanticEntryRow persists one semantic cache entry for warm restarts.
type SemanticEntryRow struct {
	ProjectID string    `json:"project_id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Embedding []float64 `json:"embedding"`
	Response  string    `json:"response"`
	Tokens    int       `json:"tokens"`
	CreatedAt string    `json:"created_at,omitempty"`
	ExpiresAt *string   `json:"expires_at,omitempty"`
}

// ============================================================================
// KEY / PROJECT DIRECTORY
// ============================================================================

// GetAPIKey fetches a key record by its SHA-256 hash. A missing key returns
// (nil, nil); callers treat that as unauthorized.
func (sc *SupabaseClient) GetAPIKey(ctx context.Context, keyHash string) (*core.APIKey, error) {
	var rows []apiKeyRow
	_, err := sc.client.From("api_keys").
		Select("*", "", false).
		Eq("key_hash", keyHash).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	key := &core.APIKey{
		KeyHash:   r.KeyHash,
		KeyPrefix: r.KeyPrefix,
		ProjectID: r.ProjectID,
		IsActive:  r.IsActive,
	}
	if r.LastUsedAt != nil {
		if t, perr := time.Parse(time.RFC3339, *r.LastUsedAt); perr == nil {
			key.LastUsedAt = &t
		}
	}
	return key, nil
}

// GetProject fetches a project by id. A missing project returns (nil, nil).
func (sc *SupabaseClient) GetProject(ctx context.Context, projectID string) (*core.Project, error) {
	var rows []projectRow
	_, err := sc.client.From("projects").
		Select("*", "", false).
		Eq("id", projectID).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	p := &core.Project{
		ID:               r.ID,
		Owner:            r.Owner,
		Plan:             core.Plan(r.Plan),
		ABConfig:         r.ABConfig,
		SemanticCache:    r.SemanticCache,
		SnapshotsEnabled: r.SnapshotsEnabled,
	}
	if t, perr := time.Parse(time.RFC3339, r.CreatedAt); perr == nil {
		p.CreatedAt = t
	}
	return p, nil
}

// TouchKey updates last_used_at for a key. Best effort; callers fire and
// forget.
func (sc *SupabaseClient) TouchKey(ctx context.Context, keyHash string) error {
	var result []apiKeyRow
	_, err := sc.client.From("api_keys").
		Update(map[string]interface{}{
			"last_used_at": time.Now().UTC().Format(time.RFC3339),
		}, "", "").
		Eq("key_hash", keyHash).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// EVALUATION RULE SETS
// ============================================================================

// UpsertRuleSet stores a rule set row.
func (sc *SupabaseClient) UpsertRuleSet(ctx context.Context, row *RuleSetRow) error {
	var result []RuleSetRow
	_, err := sc.client.From("evaluation_rule_sets").
		Upsert(row, "", "", "").
		ExecuteTo(&result)
	return err
}

// ListRuleSets returns all rule set rows for a project.
func (sc *SupabaseClient) ListRuleSets(ctx context.Context, projectID string) ([]RuleSetRow, error) {
	var rows []RuleSetRow
	_, err := sc.client.From("evaluation_rule_sets").
		Select("*", "", false).
		Eq("project_id", projectID).
		ExecuteTo(&rows)
	return rows, err
}

// DeleteRuleSet removes a rule set row.
func (sc *SupabaseClient) DeleteRuleSet(ctx context.Context, projectID, id string) error {
	var result []RuleSetRow
	_, err := sc.client.From("evaluation_rule_sets").
		Delete("", "").
		Eq("project_id", projectID).
		Eq("id", id).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// SEMANTIC CACHE PERSISTENCE
// ============================================================================

// InsertSemanticEntry persists one semantic cache entry.
func (sc *SupabaseClient) InsertSemanticEntry(ctx context.Context, row *SemanticEntryRow) error {
	var result []SemanticEntryRow
	_, err := sc.client.From("semantic_cache").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// ListSemanticEntries loads the most recent entries for one partition.
func (sc *SupabaseClient) ListSemanticEntries(ctx context.Context, projectID, kind string, limit int) ([]SemanticEntryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []SemanticEntryRow
	_, err := sc.client.From("semantic_cache").
		Select("*", "", false).
		Eq("project_id", projectID).
		Eq("kind", kind).
		Order("created_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	return rows, err
}
