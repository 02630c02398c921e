package evaluation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func containsRuleSet(project, value string) *RuleSet {
	return &RuleSet{
		ProjectID:  project,
		Name:       "contains-" + value,
		Enabled:    true,
		SampleRate: 1,
		Criteria: []*Criterion{
			{Type: "contains", Name: "check", Config: json.RawMessage(`{"value":"` + value + `"}`)},
		},
	}
}

func TestRuleSetEvaluateAggregation(t *testing.T) {
	rs := &RuleSet{
		ProjectID: "proj-1", Name: "mixed", Enabled: true, SampleRate: 1,
		Criteria: []*Criterion{
			{Type: "contains", Name: "a", Severity: SeverityWarning, Config: json.RawMessage(`{"value":"x"}`)},
			{Type: "contains", Name: "b", Severity: SeverityCritical, Config: json.RawMessage(`{"value":"z"}`)},
		},
	}
	compiled, err := Compile(rs)
	require.NoError(t, err)

	res := compiled.Evaluate(outputInput("x only"))
	assert.False(t, res.Passed)
	assert.Equal(t, 2, res.TotalCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.InDelta(t, 0.5, res.Score, 1e-9)
	assert.Equal(t, SeverityCritical, res.MaxSeverity)

	res = compiled.Evaluate(outputInput("x and z"))
	assert.True(t, res.Passed)
	assert.Equal(t, Severity(""), res.MaxSeverity)
}

func TestRuleSetAllCriteriaDisabled(t *testing.T) {
	rs := &RuleSet{
		ProjectID: "proj-1", Name: "disabled", Enabled: true, SampleRate: 1,
		Criteria: []*Criterion{
			{Type: "contains", Name: "a", Enabled: boolPtr(false), Config: json.RawMessage(`{"value":"x"}`)},
		},
	}
	compiled, err := Compile(rs)
	require.NoError(t, err)

	res := compiled.Evaluate(outputInput("whatever"))
	assert.True(t, res.Passed)
	assert.Equal(t, 0, res.TotalCount)
}

func TestStoreRegisterListDelete(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	compiled, err := s.Register(ctx, containsRuleSet("proj-1", "Paris"))
	require.NoError(t, err)
	assert.NotEmpty(t, compiled.ID)

	assert.Len(t, s.List("proj-1"), 1)
	assert.NotNil(t, s.Get("proj-1", compiled.ID))
	assert.Nil(t, s.Get("proj-2", compiled.ID))

	assert.True(t, s.Delete(ctx, "proj-1", compiled.ID))
	assert.Empty(t, s.List("proj-1"))
	assert.False(t, s.Delete(ctx, "proj-1", compiled.ID))
}

func TestStoreRejectsInvalid(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	_, err := s.Register(ctx, &RuleSet{ProjectID: "p", Name: "empty", Criteria: nil})
	assert.Error(t, err)

	bad := containsRuleSet("p", "x")
	bad.SampleRate = 1.5
	_, err = s.Register(ctx, bad)
	assert.Error(t, err)

	badAlert := containsRuleSet("p", "x")
	badAlert.Alert = &AlertConfig{PassRateThreshold: 2, WindowMinutes: 60, MinSamples: 5}
	_, err = s.Register(ctx, badAlert)
	assert.Error(t, err)
}

func TestSamplingRates(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	full := containsRuleSet("proj-1", "x")
	full.SampleRate = 1
	_, err := s.Register(ctx, full)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		assert.Len(t, s.Matching("proj-1", outputInput("x")), 1)
	}

	zero := containsRuleSet("proj-2", "x")
	zero.SampleRate = 0
	_, err = s.Register(ctx, zero)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		assert.Empty(t, s.Matching("proj-2", outputInput("x")))
	}
}

func TestFilterMatching(t *testing.T) {
	in := &Input{Model: "gpt-4o", Path: "/v1/chat/completions", CostUSD: 0.02,
		Tags: map[string]string{"env": "prod"}}

	assert.True(t, (*Filter)(nil).Matches(in))
	assert.True(t, (&Filter{Models: []string{"gpt-4o"}}).Matches(in))
	assert.False(t, (&Filter{Models: []string{"gpt-4o-mini"}}).Matches(in))
	assert.False(t, (&Filter{Paths: []string{"/v1/embeddings"}}).Matches(in))
	assert.True(t, (&Filter{MinCostUSD: 0.01}).Matches(in))
	assert.False(t, (&Filter{MinCostUSD: 0.05}).Matches(in))
	assert.True(t, (&Filter{Tags: map[string]string{"env": "prod"}}).Matches(in))
	assert.False(t, (&Filter{Tags: map[string]string{"env": "dev"}}).Matches(in))
}

func TestAlertFiresAndCoolsDown(t *testing.T) {
	am := NewAlertManager(nil, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	am.now = func() time.Time { return now }

	rs := containsRuleSet("proj-1", "pass")
	rs.Alert = &AlertConfig{PassRateThreshold: 0.8, WindowMinutes: 60, MinSamples: 5, CooldownMinutes: 15}
	compiled, err := Compile(rs)
	require.NoError(t, err)

	outcomes := []bool{true, true, false, false} // below minSamples, never fires
	fired := false
	for _, passed := range outcomes {
		fired = am.Observe(context.Background(), compiled, &Result{Passed: passed}) || fired
	}
	assert.False(t, fired)

	// Fifth sample: 2/5 pass rate, threshold 0.8, window satisfied.
	assert.True(t, am.Observe(context.Background(), compiled, &Result{Passed: false}))

	// Cooldown suppresses an immediate repeat.
	assert.False(t, am.Observe(context.Background(), compiled, &Result{Passed: false}))

	// Past the cooldown it may fire again.
	now = now.Add(16 * time.Minute)
	assert.True(t, am.Observe(context.Background(), compiled, &Result{Passed: false}))
}

func TestRunnerSubmitAndRecent(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	rs := containsRuleSet("proj-1", "Paris")
	rs.Async = false
	_, err := s.Register(ctx, rs)
	require.NoError(t, err)

	var results []*Result
	runner := NewRunner(s, nil, 16, func(r *Result) { results = append(results, r) }, nil)
	defer runner.Shutdown(context.Background())

	matched := runner.Submit("proj-1", &Input{RequestID: "req-1", Model: "gpt-4o",
		Output: "The capital of France is Paris."})
	assert.Equal(t, 1, matched)

	require.Len(t, results, 1)
	assert.True(t, results[0].Passed)
	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, 1, results[0].TotalCount)

	recent := runner.Recent("proj-1", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, "req-1", recent[0].RequestID)
}

func TestRunnerAsyncQueue(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	rs := containsRuleSet("proj-1", "x")
	rs.Async = true
	_, err := s.Register(ctx, rs)
	require.NoError(t, err)

	runner := NewRunner(s, nil, 16, nil, nil)
	runner.Submit("proj-1", &Input{RequestID: "req-1", Output: "x"})
	require.NoError(t, runner.Shutdown(context.Background()))

	recent := runner.Recent("proj-1", 10)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Passed)
}
