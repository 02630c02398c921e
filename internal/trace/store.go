// Package trace captures per-step snapshots of agent runs and supports
// replaying modified steps and comparing run outcomes.
package trace

import (
	"container/list"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/llmtrace/gateway/internal/core"
)

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) valid() bool {
	switch s {
	case RunRunning, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepRequest is the full request snapshot of one step.
type StepRequest struct {
	Model          string            `json:"model"`
	Messages       []core.Message    `json:"messages"`
	Tools          []json.RawMessage `json:"tools,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	MaxTokens      *int              `json:"max_tokens,omitempty"`
	TopP           *float64          `json:"top_p,omitempty"`
	ToolChoice     json.RawMessage   `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage   `json:"response_format,omitempty"`
}

// StepResponse is the response snapshot of one step.
type StepResponse struct {
	Content      string            `json:"content"`
	ToolCalls    []json.RawMessage `json:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        core.TokenUsage   `json:"usage"`
	CostUSD      float64           `json:"cost_usd"`
	LatencyMs    int64             `json:"latency_ms"`
	Cached       bool              `json:"cached"`
	Error        string            `json:"error,omitempty"`
}

// StepSnapshot is one step of a run. Immutable once stored.
type StepSnapshot struct {
	Index    int          `json:"index"`
	Request  StepRequest  `json:"request"`
	Response StepResponse `json:"response"`
}

// RunSnapshot is a complete agent run.
type RunSnapshot struct {
	RunID       string         `json:"run_id"`
	ProjectID   string         `json:"project_id"`
	AgentName   string         `json:"agent_name"`
	Status      RunStatus      `json:"status"`
	Steps       []StepSnapshot `json:"steps"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Store holds run snapshots and replay modifications in bounded LRU maps
// keyed by id; the oldest insertion is evicted at capacity.
type Store struct {
	mu sync.Mutex

	snapshots map[string]*RunSnapshot
	snapOrder *list.List // of run ids, oldest first
	snapCap   int

	modifications map[string]*Modification
	modOrder      *list.List
	modCap        int
}

func NewStore(snapshotCap, modificationCap int) *Store {
	if snapshotCap <= 0 {
		snapshotCap = 1000
	}
	if modificationCap <= 0 {
		modificationCap = 5000
	}
	return &Store{
		snapshots:     make(map[string]*RunSnapshot),
		snapOrder:     list.New(),
		snapCap:       snapshotCap,
		modifications: make(map[string]*Modification),
		modOrder:      list.New(),
		modCap:        modificationCap,
	}
}

// PutRun stores a run snapshot after validating it: known status, step
// indices dense 0..n-1, and no overwriting of a finished run.
func (s *Store) PutRun(run *RunSnapshot) error {
	if run.RunID == "" || run.ProjectID == "" {
		return core.NewError(core.KindInvalidRequest, "invalid_run", "run_id and project_id are required")
	}
	if !run.Status.valid() {
		return core.NewError(core.KindInvalidRequest, "invalid_status",
			fmt.Sprintf("unknown run status %q", run.Status))
	}
	for i, step := range run.Steps {
		if step.Index != i {
			return core.NewError(core.KindInvalidRequest, "sparse_steps",
				fmt.Sprintf("step at position %d has index %d, indices must be dense", i, step.Index))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.snapshots[run.RunID]; ok {
		if existing.Status != RunRunning {
			return core.NewError(core.KindInvalidRequest, "run_finalized",
				"run "+run.RunID+" is already finalized")
		}
		// A running run may only move forward: steps append-only.
		if len(run.Steps) < len(existing.Steps) {
			return core.NewError(core.KindInvalidRequest, "steps_shrunk",
				"steps are append-only")
		}
		s.snapshots[run.RunID] = run
		return nil
	}

	s.snapshots[run.RunID] = run
	s.snapOrder.PushBack(run.RunID)
	for s.snapOrder.Len() > s.snapCap {
		oldest := s.snapOrder.Remove(s.snapOrder.Front()).(string)
		delete(s.snapshots, oldest)
	}
	return nil
}

// GetRun returns a snapshot or a not-found error.
func (s *Store) GetRun(runID string) (*RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.snapshots[runID]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "run_not_found", "no snapshot for run "+runID)
	}
	return run, nil
}

// RunsForProject lists a project's stored runs, newest insertion last.
func (s *Store) RunsForProject(projectID string) []*RunSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RunSnapshot
	for e := s.snapOrder.Front(); e != nil; e = e.Next() {
		if run := s.snapshots[e.Value.(string)]; run != nil && run.ProjectID == projectID {
			out = append(out, run)
		}
	}
	return out
}

// PutModification stores a replay modification record.
func (s *Store) PutModification(mod *Modification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modifications[mod.ID] = mod
	s.modOrder.PushBack(mod.ID)
	for s.modOrder.Len() > s.modCap {
		oldest := s.modOrder.Remove(s.modOrder.Front()).(string)
		delete(s.modifications, oldest)
	}
}

// GetModification returns a stored modification or nil.
func (s *Store) GetModification(id string) *Modification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modifications[id]
}

// SnapshotCount is used by the metrics endpoint.
func (s *Store) SnapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}
