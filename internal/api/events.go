package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/llmtrace/gateway/internal/admission"
	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/events"
)

// handleEventIngest accepts one observability event.
func (s *Server) handleEventIngest(w http.ResponseWriter, r *http.Request) {
	identity := requireProject(w, r, mux.Vars(r)["projectID"])
	if identity == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	ev, verr := admission.ValidateEvent(body)
	if verr != nil {
		writeError(w, verr)
		return
	}
	s.events.Append(identity.Project.ID, ev)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted"})
}

// handleEventBatch accepts up to 100 events in one call. The whole batch is
// rejected on the first invalid event.
func (s *Server) handleEventBatch(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	batch, verr := admission.ValidateBatch(body)
	if verr != nil {
		writeError(w, verr)
		return
	}
	for _, ev := range batch {
		s.events.Append(identity.Project.ID, ev)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "count": len(batch)})
}

// handleEventQuery lists stored events matching the posted filters.
func (s *Server) handleEventQuery(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var q events.Query
	if err := json.Unmarshal(body, &q); err != nil {
		writeError(w, core.NewError(core.KindInvalidRequest, "invalid_query", "query body is not valid JSON"))
		return
	}

	matched := s.events.Query(identity.Project.ID, q)
	if matched == nil {
		matched = []*admission.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": matched, "count": len(matched)})
}

// handleProjectMetrics aggregates a project's in-process state: event
// counts, recent evaluation pass rate, and stored snapshots.
func (s *Server) handleProjectMetrics(w http.ResponseWriter, r *http.Request) {
	identity := requireProject(w, r, mux.Vars(r)["projectID"])
	if identity == nil {
		return
	}
	projectID := identity.Project.ID

	summary := map[string]interface{}{
		"project_id":      projectID,
		"plan":            identity.Project.Plan,
		"events_by_type":  s.events.CountsByType(projectID),
		"snapshot_count":  0,
		"eval_pass_rate":  1.0,
		"eval_results":    0,
	}
	if s.traces != nil {
		summary["snapshot_count"] = len(s.traces.RunsForProject(projectID))
	}
	if s.runner != nil {
		recent := s.runner.Recent(projectID, 100)
		passed := 0
		for _, res := range recent {
			if res.Passed {
				passed++
			}
		}
		summary["eval_results"] = len(recent)
		if len(recent) > 0 {
			summary["eval_pass_rate"] = float64(passed) / float64(len(recent))
		}
	}
	writeJSON(w, http.StatusOK, summary)
}
