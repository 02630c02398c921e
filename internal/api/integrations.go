package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/llmtrace/gateway/internal/core"
)

// handleSlackConfigure saves (or clears) a project's alert webhook.
func (s *Server) handleSlackConfigure(w http.ResponseWriter, r *http.Request) {
	identity := requireProject(w, r, mux.Vars(r)["projectID"])
	if identity == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var payload struct {
		WebhookURL string `json:"webhook_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, core.NewError(core.KindInvalidRequest, "invalid_webhook", "body is not valid JSON"))
		return
	}

	s.slack.Configure(identity.Project.ID, payload.WebhookURL)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configured": payload.WebhookURL != "",
	})
}

// handleSlackTest probes a webhook before (or after) it is saved.
func (s *Server) handleSlackTest(w http.ResponseWriter, r *http.Request) {
	identity := requireProject(w, r, mux.Vars(r)["projectID"])
	if identity == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var payload struct {
		WebhookURL string `json:"webhook_url"`
	}
	_ = json.Unmarshal(body, &payload)
	url := payload.WebhookURL
	if url == "" {
		url = s.slack.WebhookFor(identity.Project.ID)
	}
	if url == "" {
		writeError(w, core.NewError(core.KindInvalidRequest, "no_webhook", "no webhook URL configured or provided"))
		return
	}

	if err := s.slack.SendTest(r.Context(), url); err != nil {
		writeError(w, core.WrapError(core.KindUpstreamUnreachable, "webhook_unreachable",
			"Slack webhook probe failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleCacheInvalidate drops a project's cached responses, optionally
// narrowed to one request kind.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	identity := requireProject(w, r, mux.Vars(r)["projectID"])
	if identity == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var payload struct {
		Kind string `json:"kind,omitempty"`
	}
	_ = json.Unmarshal(body, &payload)
	kind := core.RequestKind(payload.Kind)
	switch kind {
	case "", core.RequestChat, core.RequestCompletion, core.RequestEmbedding:
	default:
		writeError(w, core.NewError(core.KindInvalidRequest, "invalid_kind",
			"kind must be chat, completion, or embedding"))
		return
	}

	deleted := 0
	if s.exact != nil {
		n, err := s.exact.Invalidate(r.Context(), identity.Project.ID, kind)
		deleted = n
		if err != nil {
			s.logger.Printf("⚠️ exact cache invalidation incomplete for %s: %v", identity.Project.ID, err)
		}
	}
	semanticDropped := 0
	if s.semantic != nil {
		semanticDropped = s.semantic.Invalidate(identity.Project.ID, kind)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":          deleted,
		"semantic_dropped": semanticDropped,
	})
}
