package trace

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmtrace/gateway/internal/core"
)

func strPtr(s string) *string { return &s }

func makeRun(id string, steps int) *RunSnapshot {
	run := &RunSnapshot{
		RunID:     id,
		ProjectID: "proj-1",
		AgentName: "researcher",
		Status:    RunCompleted,
		StartedAt: time.Now().Add(-time.Minute),
	}
	for i := 0; i < steps; i++ {
		run.Steps = append(run.Steps, StepSnapshot{
			Index: i,
			Request: StepRequest{
				Model:    "gpt-4o",
				Messages: []core.Message{{Role: "user", Content: strPtr(fmt.Sprintf("step %d", i))}},
			},
			Response: StepResponse{
				Content:   fmt.Sprintf("answer %d", i),
				Usage:     core.TokenUsage{Prompt: 10, Completion: 5, Total: 15},
				CostUSD:   0.001,
				LatencyMs: 200,
			},
		})
	}
	return run
}

func TestPutRunValidation(t *testing.T) {
	s := NewStore(10, 10)

	require.NoError(t, s.PutRun(makeRun("run-1", 3)))

	sparse := makeRun("run-2", 3)
	sparse.Steps[2].Index = 5
	err := s.PutRun(sparse)
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidRequest, core.AsError(err).Kind)

	bad := makeRun("run-3", 1)
	bad.Status = "paused"
	assert.Error(t, s.PutRun(bad))
}

func TestPutRunImmutableOnceFinalized(t *testing.T) {
	s := NewStore(10, 10)
	require.NoError(t, s.PutRun(makeRun("run-1", 2)))

	// Finalized runs reject overwrites.
	assert.Error(t, s.PutRun(makeRun("run-1", 3)))

	// Running runs may grow but never shrink.
	running := makeRun("run-2", 2)
	running.Status = RunRunning
	require.NoError(t, s.PutRun(running))

	grown := makeRun("run-2", 3)
	grown.Status = RunRunning
	require.NoError(t, s.PutRun(grown))

	shrunk := makeRun("run-2", 1)
	shrunk.Status = RunRunning
	assert.Error(t, s.PutRun(shrunk))
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(2, 10)
	require.NoError(t, s.PutRun(makeRun("run-1", 1)))
	require.NoError(t, s.PutRun(makeRun("run-2", 1)))
	require.NoError(t, s.PutRun(makeRun("run-3", 1)))

	_, err := s.GetRun("run-1")
	assert.Error(t, err)
	_, err = s.GetRun("run-3")
	assert.NoError(t, err)
	assert.Equal(t, 2, s.SnapshotCount())
}

func TestReplayContext(t *testing.T) {
	s := NewStore(10, 10)
	require.NoError(t, s.PutRun(makeRun("run-1", 3)))

	ctx, err := s.ReplayContextFor("run-1", 2)
	require.NoError(t, err)
	assert.Len(t, ctx.PriorSteps, 2)
	assert.Equal(t, "step 2", *ctx.Request.Messages[0].Content)
	assert.Contains(t, ctx.ReplayRunID, "replay_run-1_")

	_, err = s.ReplayContextFor("run-1", 9)
	assert.Error(t, err)
	_, err = s.ReplayContextFor("missing", 0)
	assert.Error(t, err)
}

func TestApplyModification(t *testing.T) {
	s := NewStore(10, 10)
	require.NoError(t, s.PutRun(makeRun("run-1", 2)))

	ctx, mod, err := s.ApplyModification("run-1", 1, map[string]json.RawMessage{
		"model":       json.RawMessage(`"gpt-4o-mini"`),
		"temperature": json.RawMessage(`0.2`),
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", ctx.Request.Model)
	require.NotNil(t, ctx.Request.Temperature)
	assert.Equal(t, 0.2, *ctx.Request.Temperature)

	// Stored snapshot untouched.
	run, gerr := s.GetRun("run-1")
	require.NoError(t, gerr)
	assert.Equal(t, "gpt-4o", run.Steps[1].Request.Model)

	// Modification recorded and retrievable.
	stored := s.GetModification(mod.ID)
	require.NotNil(t, stored)
	assert.Equal(t, "run-1", stored.OriginalRunID)

	s.MarkOutcome(mod.ID, true)
	require.NotNil(t, s.GetModification(mod.ID).Successful)
	assert.True(t, *s.GetModification(mod.ID).Successful)
}

func TestApplyModificationRejectsUnknownField(t *testing.T) {
	s := NewStore(10, 10)
	require.NoError(t, s.PutRun(makeRun("run-1", 1)))

	_, _, err := s.ApplyModification("run-1", 0, map[string]json.RawMessage{
		"api_key": json.RawMessage(`"steal"`),
	})
	require.Error(t, err)
	assert.Equal(t, "immutable_field", core.AsError(err).Code)
}

func TestCompareReflexive(t *testing.T) {
	run := makeRun("run-1", 3)
	cmp := Compare(run, run)

	assert.Equal(t, 0.0, cmp.ImprovementScore)
	require.Len(t, cmp.StepDiffs, 3)
	for _, d := range cmp.StepDiffs {
		assert.Equal(t, DiffUnchanged, d.Kind)
	}
}

func TestCompareImprovement(t *testing.T) {
	orig := makeRun("run-1", 2)
	orig.Steps[1].Response.Error = "timeout"
	orig.Status = RunFailed

	repl := makeRun("run-2", 2)
	for i := range repl.Steps {
		repl.Steps[i].Response.CostUSD = 0.0005 // half the cost
		repl.Steps[i].Response.LatencyMs = 100  // half the latency
	}

	cmp := Compare(orig, repl)
	// Cost halved (+0.15), success 0.5 -> 1.0 (+0.2), latency halved (+0.1),
	// failed -> completed (+0.1).
	assert.InDelta(t, 0.55, cmp.ImprovementScore, 1e-9)
	assert.Equal(t, DiffModified, cmp.StepDiffs[1].Kind)
}

func TestCompareStepCountMismatch(t *testing.T) {
	cmp := Compare(makeRun("a", 2), makeRun("b", 3))
	require.Len(t, cmp.StepDiffs, 3)
	assert.Equal(t, DiffAdded, cmp.StepDiffs[2].Kind)

	cmp = Compare(makeRun("a", 3), makeRun("b", 2))
	assert.Equal(t, DiffRemoved, cmp.StepDiffs[2].Kind)
}
