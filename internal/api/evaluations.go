package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/evaluation"
)

// handleRuleSetUpsert registers (or replaces) a rule set. Compilation
// failures surface as 400s so a broken criterion never reaches the runner.
func (s *Server) handleRuleSetUpsert(w http.ResponseWriter, r *http.Request) {
	identity := requireProject(w, r, mux.Vars(r)["projectID"])
	if identity == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var rs evaluation.RuleSet
	if err := json.Unmarshal(body, &rs); err != nil {
		writeError(w, core.NewError(core.KindInvalidRequest, "invalid_rule_set", "rule set body is not valid JSON"))
		return
	}
	rs.ProjectID = identity.Project.ID

	compiled, err := s.evalStore.Register(r.Context(), &rs)
	if err != nil {
		writeError(w, core.WrapError(core.KindInvalidRequest, "uncompilable_rule_set", err.Error(), err))
		return
	}
	writeJSON(w, http.StatusCreated, compiled.RuleSet)
}

func (s *Server) handleRuleSetList(w http.ResponseWriter, r *http.Request) {
	identity := requireProject(w, r, mux.Vars(r)["projectID"])
	if identity == nil {
		return
	}
	list := s.evalStore.List(identity.Project.ID)
	out := make([]evaluation.RuleSet, 0, len(list))
	for _, c := range list {
		out = append(out, c.RuleSet)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rule_sets": out, "count": len(out)})
}

func (s *Server) handleRuleSetGet(w http.ResponseWriter, r *http.Request) {
	identity := requireProject(w, r, mux.Vars(r)["projectID"])
	if identity == nil {
		return
	}
	rs := s.evalStore.Get(identity.Project.ID, mux.Vars(r)["id"])
	if rs == nil {
		writeError(w, core.NewError(core.KindNotFound, "rule_set_not_found", "no such rule set"))
		return
	}
	writeJSON(w, http.StatusOK, rs.RuleSet)
}

func (s *Server) handleRuleSetDelete(w http.ResponseWriter, r *http.Request) {
	identity := requireProject(w, r, mux.Vars(r)["projectID"])
	if identity == nil {
		return
	}
	if !s.evalStore.Delete(r.Context(), identity.Project.ID, mux.Vars(r)["id"]) {
		writeError(w, core.NewError(core.KindNotFound, "rule_set_not_found", "no such rule set"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// handleRecentResults returns the newest evaluation results for a project.
func (s *Server) handleRecentResults(w http.ResponseWriter, r *http.Request) {
	identity := requireProject(w, r, mux.Vars(r)["projectID"])
	if identity == nil {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	results := s.runner.Recent(identity.Project.ID, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results, "count": len(results)})
}

// handleEvaluateRun evaluates one input against one rule set synchronously.
func (s *Server) handleEvaluateRun(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var payload struct {
		RuleSetID string           `json:"rule_set_id"`
		Input     evaluation.Input `json:"input"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.RuleSetID == "" {
		writeError(w, core.NewError(core.KindInvalidRequest, "invalid_evaluation", "rule_set_id and input are required"))
		return
	}

	rs := s.evalStore.Get(identity.Project.ID, payload.RuleSetID)
	if rs == nil {
		writeError(w, core.NewError(core.KindNotFound, "rule_set_not_found", "no such rule set"))
		return
	}
	writeJSON(w, http.StatusOK, s.runner.EvaluateNow(r.Context(), rs, &payload.Input))
}

// handleEvaluateBatch evaluates many inputs against one rule set.
func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var payload struct {
		RuleSetID string              `json:"rule_set_id"`
		Inputs    []*evaluation.Input `json:"inputs"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.RuleSetID == "" || len(payload.Inputs) == 0 {
		writeError(w, core.NewError(core.KindInvalidRequest, "invalid_evaluation", "rule_set_id and inputs are required"))
		return
	}

	rs := s.evalStore.Get(identity.Project.ID, payload.RuleSetID)
	if rs == nil {
		writeError(w, core.NewError(core.KindNotFound, "rule_set_not_found", "no such rule set"))
		return
	}

	results := make([]*evaluation.Result, 0, len(payload.Inputs))
	passed := 0
	for _, in := range payload.Inputs {
		res := s.runner.EvaluateNow(r.Context(), rs, in)
		if res.Passed {
			passed++
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":   results,
		"count":     len(results),
		"pass_rate": float64(passed) / float64(len(results)),
	})
}
