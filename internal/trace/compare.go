package trace

import (
	"encoding/json"
)

// DiffKind classifies one step's difference between two runs.
type DiffKind string

const (
	DiffAdded     DiffKind = "added"
	DiffRemoved   DiffKind = "removed"
	DiffModified  DiffKind = "modified"
	DiffUnchanged DiffKind = "unchanged"
)

// StepDiff is the comparison of one step position across two runs.
type StepDiff struct {
	Index           int      `json:"index"`
	Kind            DiffKind `json:"kind"`
	RequestChanged  bool     `json:"request_changed,omitempty"`
	ResponseChanged bool     `json:"response_changed,omitempty"`
}

// RunMetrics aggregates one run for comparison.
type RunMetrics struct {
	Steps        int     `json:"steps"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	SuccessRate  float64 `json:"success_rate"`
	CacheHitRate float64 `json:"cache_hit_rate"`
}

// Comparison is the full diff of a replayed run against its original.
type Comparison struct {
	OriginalRunID    string     `json:"original_run_id"`
	ReplayRunID      string     `json:"replay_run_id"`
	StepDiffs        []StepDiff `json:"step_diffs"`
	Original         RunMetrics `json:"original"`
	Replay           RunMetrics `json:"replay"`
	ImprovementScore float64    `json:"improvement_score"`
}

func metricsFor(run *RunSnapshot) RunMetrics {
	m := RunMetrics{Steps: len(run.Steps)}
	if len(run.Steps) == 0 {
		m.SuccessRate = 1
		return m
	}

	var latencySum int64
	successes, hits := 0, 0
	for _, step := range run.Steps {
		m.TotalTokens += step.Response.Usage.Total
		m.TotalCostUSD += step.Response.CostUSD
		latencySum += step.Response.LatencyMs
		if step.Response.Error == "" {
			successes++
		}
		if step.Response.Cached {
			hits++
		}
	}
	n := float64(len(run.Steps))
	m.AvgLatencyMs = float64(latencySum) / n
	m.SuccessRate = float64(successes) / n
	m.CacheHitRate = float64(hits) / n
	return m
}

func jsonEqual(a, b interface{}) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}

// Compare diffs a replay run against its original: per-step diffs,
// aggregate metrics, and a single improvement score in [-1,1] weighing
// cost (0.3), success rate (0.4), latency (0.2), and final status (0.1).
func Compare(original, replay *RunSnapshot) *Comparison {
	cmp := &Comparison{
		OriginalRunID: original.RunID,
		ReplayRunID:   replay.RunID,
		Original:      metricsFor(original),
		Replay:        metricsFor(replay),
	}

	longest := len(original.Steps)
	if len(replay.Steps) > longest {
		longest = len(replay.Steps)
	}
	for i := 0; i < longest; i++ {
		diff := StepDiff{Index: i}
		switch {
		case i >= len(original.Steps):
			diff.Kind = DiffAdded
		case i >= len(replay.Steps):
			diff.Kind = DiffRemoved
		default:
			diff.RequestChanged = !jsonEqual(original.Steps[i].Request, replay.Steps[i].Request)
			diff.ResponseChanged = !jsonEqual(original.Steps[i].Response, replay.Steps[i].Response)
			if diff.RequestChanged || diff.ResponseChanged {
				diff.Kind = DiffModified
			} else {
				diff.Kind = DiffUnchanged
			}
		}
		cmp.StepDiffs = append(cmp.StepDiffs, diff)
	}

	cmp.ImprovementScore = improvementScore(cmp.Original, cmp.Replay, original.Status, replay.Status)
	return cmp
}

func improvementScore(orig, repl RunMetrics, origStatus, replStatus RunStatus) float64 {
	// Cost: percentage change, negated so cheaper is positive.
	costComponent := 0.0
	if orig.TotalCostUSD > 0 {
		deltaPct := (repl.TotalCostUSD - orig.TotalCostUSD) / orig.TotalCostUSD * 100
		costComponent = -deltaPct / 100
	}

	successComponent := repl.SuccessRate - orig.SuccessRate

	latencyComponent := 0.0
	if orig.AvgLatencyMs > 0 {
		latencyComponent = clamp(-(repl.AvgLatencyMs-orig.AvgLatencyMs)/orig.AvgLatencyMs, -1, 1)
	}

	statusBonus := 0.0
	if replStatus == RunCompleted && origStatus != RunCompleted {
		statusBonus = 1
	} else if origStatus == RunCompleted && replStatus != RunCompleted {
		statusBonus = -1
	}

	score := 0.3*costComponent + 0.4*successComponent + 0.2*latencyComponent + 0.1*statusBonus
	return clamp(score, -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
