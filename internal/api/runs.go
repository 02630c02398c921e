package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/trace"
)

// handleRunIngest stores an agent run snapshot. Gated on the project's
// snapshots flag.
func (s *Server) handleRunIngest(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if !identity.Project.SnapshotsEnabled {
		writeError(w, core.NewError(core.KindForbidden, "snapshots_disabled",
			"snapshots are not enabled for this project"))
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var run trace.RunSnapshot
	if err := json.Unmarshal(body, &run); err != nil {
		writeError(w, core.NewError(core.KindInvalidRequest, "invalid_run", "run body is not valid JSON"))
		return
	}
	// The run is billed to the authenticated project no matter what the
	// payload claims.
	run.ProjectID = identity.Project.ID

	if err := s.traces.PutRun(&run); err != nil {
		writeError(w, core.AsError(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"run_id": run.RunID,
		"status": run.Status,
		"steps":  len(run.Steps),
	})
}

// handleRunList lists the project's stored runs.
func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	runs := s.traces.RunsForProject(identity.Project.ID)

	out := make([]map[string]interface{}, 0, len(runs))
	for _, run := range runs {
		out = append(out, map[string]interface{}{
			"run_id":     run.RunID,
			"agent_name": run.AgentName,
			"status":     run.Status,
			"steps":      len(run.Steps),
			"started_at": run.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": out, "count": len(out)})
}

// projectRun fetches a run and enforces tenant isolation: another project's
// run is indistinguishable from a missing one.
func (s *Server) projectRun(w http.ResponseWriter, r *http.Request) *trace.RunSnapshot {
	identity := identityFrom(r)
	runID := mux.Vars(r)["runID"]
	run, err := s.traces.GetRun(runID)
	if err != nil || run.ProjectID != identity.Project.ID {
		writeError(w, core.NewError(core.KindNotFound, "run_not_found", "no snapshot for run "+runID))
		return nil
	}
	return run
}

func (s *Server) handleRunSnapshot(w http.ResponseWriter, r *http.Request) {
	run := s.projectRun(w, r)
	if run == nil {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunReplay applies a modification to one step and returns the
// replay context ready for re-dispatch.
func (s *Server) handleRunReplay(w http.ResponseWriter, r *http.Request) {
	run := s.projectRun(w, r)
	if run == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var payload struct {
		StepIndex int                        `json:"step_index"`
		Changes   map[string]json.RawMessage `json:"changes"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, core.NewError(core.KindInvalidRequest, "invalid_replay", "replay body is not valid JSON"))
		return
	}

	ctx, mod, err := s.traces.ApplyModification(run.RunID, payload.StepIndex, payload.Changes)
	if err != nil {
		writeError(w, core.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"modification_id": mod.ID,
		"replay_run_id":   ctx.ReplayRunID,
		"context":         ctx,
	})
}

// handleRunCompare diffs a replay run against the original. A positive
// improvement score marks the originating modification successful.
func (s *Server) handleRunCompare(w http.ResponseWriter, r *http.Request) {
	original := s.projectRun(w, r)
	if original == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var payload struct {
		ReplayRunID    string `json:"replay_run_id"`
		ModificationID string `json:"modification_id,omitempty"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.ReplayRunID == "" {
		writeError(w, core.NewError(core.KindInvalidRequest, "invalid_compare", "replay_run_id is required"))
		return
	}

	identity := identityFrom(r)
	replay, err := s.traces.GetRun(payload.ReplayRunID)
	if err != nil || replay.ProjectID != identity.Project.ID {
		writeError(w, core.NewError(core.KindNotFound, "run_not_found", "no snapshot for run "+payload.ReplayRunID))
		return
	}

	cmp := trace.Compare(original, replay)
	if payload.ModificationID != "" {
		s.traces.MarkOutcome(payload.ModificationID, cmp.ImprovementScore > 0)
	}
	writeJSON(w, http.StatusOK, cmp)
}
