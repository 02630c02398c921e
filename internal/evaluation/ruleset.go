package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmtrace/gateway/internal/database"
)

// Filter narrows which requests a rule set applies to. Empty fields match
// everything.
type Filter struct {
	Models     []string          `json:"models,omitempty"`
	Paths      []string          `json:"paths,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	MinCostUSD float64           `json:"minCost,omitempty"`
}

func (f *Filter) Matches(in *Input) bool {
	if f == nil {
		return true
	}
	if len(f.Models) > 0 && !containsString(f.Models, in.Model) {
		return false
	}
	if len(f.Paths) > 0 && !containsString(f.Paths, in.Path) {
		return false
	}
	if in.CostUSD < f.MinCostUSD {
		return false
	}
	for k, v := range f.Tags {
		if in.Tags[k] != v {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// AlertConfig drives pass-rate alerting for one rule set.
type AlertConfig struct {
	PassRateThreshold float64  `json:"passRateThreshold"`
	WindowMinutes     int      `json:"windowMinutes"`
	MinSamples        int      `json:"minSamples"`
	CooldownMinutes   int      `json:"cooldownMinutes"`
	Channels          []string `json:"channels,omitempty"`
}

// RuleSet is the stored form of a project's evaluation rules.
type RuleSet struct {
	ID         string       `json:"id"`
	ProjectID  string       `json:"project_id"`
	Name       string       `json:"name"`
	Criteria   []*Criterion `json:"criteria"`
	Filter     *Filter      `json:"filter,omitempty"`
	Async      bool         `json:"async"`
	SampleRate float64      `json:"sampleRate"`
	Alert      *AlertConfig `json:"alert,omitempty"`
	Enabled    bool         `json:"enabled"`
}

// Compiled pairs a rule set with its pre-built evaluators. Disabled
// criteria compile to a nil slot and are skipped at evaluation.
type Compiled struct {
	RuleSet
	evaluators []Evaluator
}

// Result aggregates one rule-set evaluation. Append-only.
type Result struct {
	ID          string            `json:"id"`
	RuleSetID   string            `json:"ruleSetId"`
	RuleSetName string            `json:"ruleSetName"`
	ProjectID   string            `json:"projectId"`
	RequestID   string            `json:"requestId"`
	Results     []CriterionResult `json:"results"`
	Passed      bool              `json:"passed"`
	Score       float64           `json:"score"`
	TotalCount  int               `json:"totalCount"`
	FailedCount int               `json:"failedCount"`
	MaxSeverity Severity          `json:"maxSeverity,omitempty"`
	EvaluatedAt time.Time         `json:"evaluatedAt"`
}

// Evaluate runs every enabled criterion against the input and aggregates:
// passed iff nothing failed, score is the arithmetic mean, maxSeverity the
// worst severity among failures.
func (c *Compiled) Evaluate(in *Input) *Result {
	res := &Result{
		ID:          uuid.NewString(),
		RuleSetID:   c.ID,
		RuleSetName: c.Name,
		ProjectID:   c.ProjectID,
		RequestID:   in.RequestID,
		EvaluatedAt: time.Now().UTC(),
	}

	var scoreSum float64
	for i, criterion := range c.Criteria {
		if !criterion.enabled() || c.evaluators[i] == nil {
			continue
		}
		r := c.evaluators[i].Evaluate(in)
		res.Results = append(res.Results, r)
		res.TotalCount++
		scoreSum += r.Score
		if !r.Passed {
			res.FailedCount++
			if severityRank[r.Severity] >= severityRank[res.MaxSeverity] {
				res.MaxSeverity = r.Severity
			}
		}
	}

	res.Passed = res.FailedCount == 0
	if res.TotalCount > 0 {
		res.Score = scoreSum / float64(res.TotalCount)
	} else {
		res.Score = 1
	}
	if res.Passed {
		res.MaxSeverity = ""
	}
	return res
}

// RuleSetPersister mirrors rule sets to durable storage. Optional.
type RuleSetPersister interface {
	UpsertRuleSet(ctx context.Context, row *database.RuleSetRow) error
	ListRuleSets(ctx context.Context, projectID string) ([]database.RuleSetRow, error)
	DeleteRuleSet(ctx context.Context, projectID, id string) error
}

// Store holds compiled rule sets per project behind a mutex, with
// best-effort persistence. Lookups on the request path take a read lock.
type Store struct {
	persister RuleSetPersister
	logger    *log.Logger

	mu        sync.RWMutex
	byProject map[string][]*Compiled

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewStore(persister RuleSetPersister) *Store {
	return &Store{
		persister: persister,
		logger:    log.New(log.Writer(), "[EVAL] ", log.LstdFlags),
		byProject: make(map[string][]*Compiled),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Compile validates a rule set and builds its evaluators.
func Compile(rs *RuleSet) (*Compiled, error) {
	if rs.Name == "" {
		return nil, fmt.Errorf("rule set name is required")
	}
	if len(rs.Criteria) == 0 {
		return nil, fmt.Errorf("rule set needs at least one criterion")
	}
	if rs.SampleRate < 0 || rs.SampleRate > 1 {
		return nil, fmt.Errorf("sampleRate must be in [0,1]")
	}
	if rs.Alert != nil {
		if rs.Alert.PassRateThreshold <= 0 || rs.Alert.PassRateThreshold > 1 {
			return nil, fmt.Errorf("alert passRateThreshold must be in (0,1]")
		}
		if rs.Alert.MinSamples <= 0 || rs.Alert.WindowMinutes <= 0 {
			return nil, fmt.Errorf("alert minSamples and windowMinutes must be positive")
		}
	}

	compiled := &Compiled{RuleSet: *rs, evaluators: make([]Evaluator, len(rs.Criteria))}
	for i, criterion := range rs.Criteria {
		ev, err := BuildEvaluator(criterion)
		if err != nil {
			return nil, err
		}
		compiled.evaluators[i] = ev
	}
	return compiled, nil
}

// Register compiles, stores, and persists a rule set. An existing id is
// replaced; a missing id is assigned.
func (s *Store) Register(ctx context.Context, rs *RuleSet) (*Compiled, error) {
	if rs.ID == "" {
		rs.ID = uuid.NewString()
	}
	compiled, err := Compile(rs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	list := s.byProject[rs.ProjectID]
	replaced := false
	for i, existing := range list {
		if existing.ID == rs.ID {
			list[i] = compiled
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, compiled)
	}
	s.byProject[rs.ProjectID] = list
	s.mu.Unlock()

	if s.persister != nil {
		spec := map[string]interface{}{}
		if raw, merr := json.Marshal(rs); merr == nil {
			_ = json.Unmarshal(raw, &spec)
		}
		row := &database.RuleSetRow{
			ID:        rs.ID,
			ProjectID: rs.ProjectID,
			Name:      rs.Name,
			Spec:      spec,
			Enabled:   rs.Enabled,
		}
		if perr := s.persister.UpsertRuleSet(ctx, row); perr != nil {
			s.logger.Printf("⚠️ rule set persistence failed for %s: %v", rs.ID, perr)
		}
	}
	return compiled, nil
}

// List returns a project's rule sets.
func (s *Store) List(projectID string) []*Compiled {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Compiled, len(s.byProject[projectID]))
	copy(out, s.byProject[projectID])
	return out
}

// Get returns one rule set or nil.
func (s *Store) Get(projectID, id string) *Compiled {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rs := range s.byProject[projectID] {
		if rs.ID == id {
			return rs
		}
	}
	return nil
}

// Delete removes a rule set from memory and storage.
func (s *Store) Delete(ctx context.Context, projectID, id string) bool {
	s.mu.Lock()
	list := s.byProject[projectID]
	found := false
	for i, rs := range list {
		if rs.ID == id {
			s.byProject[projectID] = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found && s.persister != nil {
		if err := s.persister.DeleteRuleSet(ctx, projectID, id); err != nil {
			s.logger.Printf("⚠️ rule set delete failed for %s: %v", id, err)
		}
	}
	return found
}

// Load restores a project's rule sets from storage, skipping rows that no
// longer compile.
func (s *Store) Load(ctx context.Context, projectID string) error {
	if s.persister == nil {
		return nil
	}
	rows, err := s.persister.ListRuleSets(ctx, projectID)
	if err != nil {
		return err
	}

	compiled := make([]*Compiled, 0, len(rows))
	for _, row := range rows {
		raw, merr := json.Marshal(row.Spec)
		if merr != nil {
			continue
		}
		var rs RuleSet
		if uerr := json.Unmarshal(raw, &rs); uerr != nil {
			s.logger.Printf("⚠️ skipping undecodable rule set %s: %v", row.ID, uerr)
			continue
		}
		c, cerr := Compile(&rs)
		if cerr != nil {
			s.logger.Printf("⚠️ skipping uncompilable rule set %s: %v", row.ID, cerr)
			continue
		}
		compiled = append(compiled, c)
	}

	s.mu.Lock()
	s.byProject[projectID] = compiled
	s.mu.Unlock()
	return nil
}

// Matching returns the enabled rule sets whose filter matches the input
// and whose sample draw succeeds. Rate 1.0 admits everything, 0.0 nothing.
func (s *Store) Matching(projectID string, in *Input) []*Compiled {
	s.mu.RLock()
	candidates := s.byProject[projectID]
	var matched []*Compiled
	for _, rs := range candidates {
		if !rs.Enabled || !rs.Filter.Matches(in) {
			continue
		}
		matched = append(matched, rs)
	}
	s.mu.RUnlock()

	var admitted []*Compiled
	for _, rs := range matched {
		if rs.SampleRate >= 1 {
			admitted = append(admitted, rs)
			continue
		}
		if rs.SampleRate <= 0 {
			continue
		}
		s.rngMu.Lock()
		draw := s.rng.Float64()
		s.rngMu.Unlock()
		if draw < rs.SampleRate {
			admitted = append(admitted, rs)
		}
	}
	return admitted
}
