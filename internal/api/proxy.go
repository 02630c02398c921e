package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/llmtrace/gateway/internal/admission"
	"github.com/llmtrace/gateway/internal/analytics"
	"github.com/llmtrace/gateway/internal/cache"
	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/evaluation"
	"github.com/llmtrace/gateway/internal/pricing"
	"github.com/llmtrace/gateway/internal/provider"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, core.RequestChat, "chat")
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, core.RequestCompletion, "completion")
}

func (s *Server) handleEmbedding(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, core.RequestEmbedding, "embedding")
}

// completion carries everything the post-response fan-out needs for one
// finished request.
type completion struct {
	route     string
	requestID string
	variant   string
	status    int
	cached    core.CacheState
	usage     core.TokenUsage
	cost      float64
	provider  string
	errClass  string
	output    string
	body      json.RawMessage
	start     time.Time
}

// proxy is the hot path: admission, limits, cache, dispatch, accounting.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, kind core.RequestKind, route string) {
	start := time.Now()
	identity := identityFrom(r)
	if identity == nil {
		writeError(w, core.NewError(core.KindUnauthorized, "missing_identity", "request is not authenticated"))
		return
	}
	project := identity.Project

	body, ok := readBody(w, r)
	if !ok {
		s.countReject(route, http.StatusRequestEntityTooLarge)
		return
	}

	req, verr := admission.Validate(kind, body)
	if verr != nil {
		s.countReject(route, verr.Kind.HTTPStatus())
		writeError(w, verr)
		return
	}

	// Minute window first; its headers go out on every response.
	d := s.limiter.AllowMinute(r.Context(), project.ID, identity.Limits)
	rateLimitHeaders(w, d)
	if !d.Allowed {
		if s.metrics != nil {
			s.metrics.RateLimited.WithLabelValues(string(project.Plan)).Inc()
		}
		s.countReject(route, http.StatusTooManyRequests)
		writeError(w, core.NewError(core.KindRateLimited, "rate_limit_exceeded",
			"per-minute request limit reached").WithDetails(details(d)))
		return
	}

	// Quota is read-only here; the counter moves in CommitQuota after success.
	q := s.limiter.CheckQuota(r.Context(), project.ID, identity.Limits)
	if !q.Allowed {
		if s.metrics != nil {
			s.metrics.QuotaDenied.WithLabelValues(string(project.Plan)).Inc()
		}
		s.countReject(route, http.StatusTooManyRequests)
		writeError(w, core.NewError(core.KindQuotaExceeded, "monthly_quota_exceeded",
			"monthly request quota reached").WithDetails(details(q)))
		return
	}

	// A/B rewrite happens before fingerprinting so cache partitions per
	// variant.
	variantName := ""
	if s.abrouter != nil {
		if v := s.abrouter.Select(project.ABConfig); v != nil {
			if err := req.SetModel(v.Model); err == nil {
				variantName = v.Name
			}
		}
	}

	fp := cache.Fingerprint(req)
	requestID := uuid.NewString()

	if s.exact != nil {
		if entry := s.exact.Get(r.Context(), project.ID, fp); entry != nil {
			s.serveCached(w, identity, req, completion{
				route:     route,
				requestID: requestID,
				variant:   variantName,
				cached:    core.CacheExact,
				usage:     entry.Usage,
				body:      entry.Body,
				start:     start,
			})
			return
		}
	}
	if s.semantic != nil && project.SemanticCache && kind != core.RequestEmbedding {
		if hit := s.semantic.Lookup(r.Context(), project.ID, kind, req.InputText); hit != nil {
			s.serveCached(w, identity, req, completion{
				route:     route,
				requestID: requestID,
				variant:   variantName,
				cached:    core.CacheSemantic,
				usage:     hit.Usage,
				body:      hit.Body,
				start:     start,
			})
			return
		}
	}

	w.Header().Set("X-Cache", "MISS")

	if req.Stream {
		s.proxyStream(w, r, identity, req, fp, route, requestID, variantName, start)
		return
	}
	s.proxyBuffered(w, r, identity, req, fp, route, requestID, variantName, start)
}

func (s *Server) proxyBuffered(w http.ResponseWriter, r *http.Request, identity *core.Identity, req *core.ProxyRequest, fp, route, requestID, variantName string, start time.Time) {
	result, derr := s.dispatcher.Buffered(r.Context(), req)
	if derr != nil {
		s.finish(identity, req, completion{
			route:     route,
			requestID: requestID,
			variant:   variantName,
			status:    derr.Kind.HTTPStatus(),
			cached:    core.CacheMiss,
			provider:  providerName(req.Model),
			errClass:  string(derr.Kind),
			start:     start,
		})
		writeError(w, derr)
		return
	}

	usage := result.Usage
	cost := costFor(req, usage)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result.Body)

	s.limiter.CommitQuota(context.Background(), identity.Project.ID)
	s.storeCaches(identity.Project, req, fp, result.Body, usage)
	s.finish(identity, req, completion{
		route:     route,
		requestID: requestID,
		variant:   variantName,
		status:    http.StatusOK,
		cached:    core.CacheMiss,
		usage:     usage,
		cost:      cost,
		provider:  string(result.Provider),
		output:    result.OutputText,
		body:      result.Body,
		start:     start,
	})
}

func (s *Server) proxyStream(w http.ResponseWriter, r *http.Request, identity *core.Identity, req *core.ProxyRequest, fp, route, requestID, variantName string, start time.Time) {
	result, serr := s.dispatcher.Stream(r.Context(), req, w)
	if serr != nil && (result == nil || !result.FirstChunkSent) {
		s.finish(identity, req, completion{
			route:     route,
			requestID: requestID,
			variant:   variantName,
			status:    serr.Kind.HTTPStatus(),
			cached:    core.CacheMiss,
			provider:  providerName(req.Model),
			errClass:  string(serr.Kind),
			start:     start,
		})
		writeError(w, serr)
		return
	}

	usage := result.Usage
	estimateUsage(req, result.OutputText, &usage)
	cost := costFor(req, usage)

	c := completion{
		route:     route,
		requestID: requestID,
		variant:   variantName,
		status:    http.StatusOK,
		cached:    core.CacheMiss,
		usage:     usage,
		cost:      cost,
		provider:  string(result.Provider),
		output:    result.OutputText,
		start:     start,
	}

	if serr != nil {
		// Partial stream: the client got bytes, so account what we saw, but
		// the request did not succeed. No quota burn, no cache write.
		c.errClass = string(serr.Kind)
		s.finish(identity, req, c)
		return
	}

	s.limiter.CommitQuota(context.Background(), identity.Project.ID)
	// A completed stream always attempts a cache write, even with empty
	// output; embeddings never stream.
	if body := synthesizeStreamBody(req, result.OutputText, usage); body != nil {
		c.body = body
		s.storeCaches(identity.Project, req, fp, body, usage)
	}
	s.finish(identity, req, c)
}

// serveCached answers a cache hit: identical body, zero upstream cost.
// Streaming hits emit exactly one data frame plus the terminator.
func (s *Server) serveCached(w http.ResponseWriter, identity *core.Identity, req *core.ProxyRequest, c completion) {
	w.Header().Set("X-Cache", "HIT")
	w.Header().Set("X-Cache-Kind", string(c.cached))
	c.status = http.StatusOK
	c.provider = providerName(req.Model)

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: "))
		w.Write(c.body)
		w.Write([]byte("\n\ndata: [DONE]\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(c.body)
	}

	// Cached responses still burn quota; they answered a request.
	s.limiter.CommitQuota(context.Background(), identity.Project.ID)
	s.finish(identity, req, c)
}

// finish is the post-response fan-out: metrics, usage row, evaluation job,
// and the live event tail. Never touches the client response.
func (s *Server) finish(identity *core.Identity, req *core.ProxyRequest, c completion) {
	latency := time.Since(c.start)
	project := identity.Project

	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(c.route, strconv.Itoa(c.status), string(c.cached)).Inc()
		s.metrics.RequestDuration.WithLabelValues(c.route, c.provider).Observe(latency.Seconds())
		if c.usage.Prompt > 0 {
			s.metrics.TokensTotal.WithLabelValues(c.provider, "prompt").Add(float64(c.usage.Prompt))
		}
		if c.usage.Completion > 0 {
			s.metrics.TokensTotal.WithLabelValues(c.provider, "completion").Add(float64(c.usage.Completion))
		}
		if c.cost > 0 {
			s.metrics.CostUSD.WithLabelValues(c.provider, req.Model).Add(c.cost)
		}
	}

	if s.pipeline != nil {
		s.pipeline.Enqueue(&analytics.UsageRecord{
			RequestID:  c.requestID,
			Timestamp:  time.Now().UTC(),
			ProjectID:  project.ID,
			KeyPrefix:  identity.KeyPrefix,
			Path:       req.Path(),
			Model:      req.Model,
			Provider:   c.provider,
			Tokens:     c.usage,
			CostUSD:    c.cost,
			LatencyMs:  latency.Milliseconds(),
			Cached:     c.cached,
			HTTPStatus: c.status,
			ErrorClass: c.errClass,
			ABVariant:  c.variant,
		})
	}

	// Fresh successful responses are the only ones worth evaluating; a
	// cached body already went through evaluation when it was first served.
	if s.runner != nil && c.status == http.StatusOK && c.errClass == "" &&
		c.cached == core.CacheMiss && req.Kind != core.RequestEmbedding {
		s.runner.Submit(project.ID, &evaluation.Input{
			RequestID:    c.requestID,
			Model:        req.Model,
			Path:         req.Path(),
			Input:        req.InputText,
			Output:       c.output,
			ResponseBody: c.body,
			LatencyMs:    latency.Milliseconds(),
			CostUSD:      c.cost,
			RequestedAt:  c.start,
		})
	}

	if s.events != nil {
		s.events.Append(project.ID, &admission.Event{
			EventType: "llm_call",
			RequestID: c.requestID,
			Timestamp: time.Now().UTC(),
			Fields: map[string]interface{}{
				"event_type": "llm_call",
				"model":      req.Model,
				"input":      truncate(req.InputText, 200),
				"status":     c.status,
				"cached":     string(c.cached),
				"cost_usd":   c.cost,
				"latency_ms": latency.Milliseconds(),
			},
		})
	}
}

// storeCaches writes both cache layers off the request goroutine.
func (s *Server) storeCaches(project *core.Project, req *core.ProxyRequest, fp string, body json.RawMessage, usage core.TokenUsage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.exact != nil {
			s.exact.Put(ctx, project.ID, fp, &cache.Entry{
				Body:      body,
				Usage:     usage,
				Model:     req.Model,
				CreatedAt: time.Now().UTC(),
			})
		}
		if s.semantic != nil && project.SemanticCache && req.Kind != core.RequestEmbedding {
			s.semantic.Store(ctx, project.ID, req.Kind, req.InputText, body, usage, 0)
		}
	}()
}

func (s *Server) countReject(route string, status int) {
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), string(core.CacheMiss)).Inc()
	}
}

func costFor(req *core.ProxyRequest, usage core.TokenUsage) float64 {
	if req.Kind == core.RequestEmbedding {
		return pricing.EmbeddingCost(req.Model, usage.Total)
	}
	return pricing.Cost(req.Model, usage.Prompt, usage.Completion)
}

// estimateUsage fills missing streamed usage with the chars/4 heuristic and
// flags the row estimated.
func estimateUsage(req *core.ProxyRequest, output string, u *core.TokenUsage) {
	if u.Prompt == 0 && req.InputText != "" {
		u.Prompt = pricing.EstimateTokens(req.InputText)
		u.Estimated = true
	}
	if u.Completion == 0 && output != "" {
		u.Completion = pricing.EstimateTokens(output)
		u.Estimated = true
	}
	if u.Estimated {
		u.Total = u.Prompt + u.Completion
	}
}

// synthesizeStreamBody reconstructs a buffered-shaped response from a
// finished stream so cache hits can serve a real body.
func synthesizeStreamBody(req *core.ProxyRequest, output string, usage core.TokenUsage) json.RawMessage {
	switch req.Kind {
	case core.RequestChat:
		return synthesizeChatBody(req.Model, output, usage)
	case core.RequestCompletion:
		return synthesizeCompletionBody(req.Model, output, usage)
	}
	return nil
}

func synthesizeCompletionBody(model, output string, usage core.TokenUsage) json.RawMessage {
	resp := map[string]interface{}{
		"id":      "cmpl-" + uuid.NewString(),
		"object":  "text_completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"text":          output,
			"finish_reason": "stop",
		}},
		"usage": map[string]interface{}{
			"prompt_tokens":     usage.Prompt,
			"completion_tokens": usage.Completion,
			"total_tokens":      usage.Total,
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

func synthesizeChatBody(model, output string, usage core.TokenUsage) json.RawMessage {
	resp := map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]interface{}{"role": "assistant", "content": output},
			"finish_reason": "stop",
		}},
		"usage": map[string]interface{}{
			"prompt_tokens":     usage.Prompt,
			"completion_tokens": usage.Completion,
			"total_tokens":      usage.Total,
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

func providerName(model string) string {
	if name, err := provider.ForModel(model); err == nil {
		return string(name)
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
