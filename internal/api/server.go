// Package api is the HTTP surface of the gateway: the OpenAI-compatible
// proxy routes plus the observability, evaluation, and trace-replay APIs.
package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llmtrace/gateway/internal/abtest"
	"github.com/llmtrace/gateway/internal/alerting"
	"github.com/llmtrace/gateway/internal/analytics"
	"github.com/llmtrace/gateway/internal/auth"
	"github.com/llmtrace/gateway/internal/cache"
	"github.com/llmtrace/gateway/internal/evaluation"
	"github.com/llmtrace/gateway/internal/events"
	"github.com/llmtrace/gateway/internal/metrics"
	"github.com/llmtrace/gateway/internal/pricing"
	"github.com/llmtrace/gateway/internal/provider"
	"github.com/llmtrace/gateway/internal/ratelimit"
	"github.com/llmtrace/gateway/internal/trace"
)

// Deps carries every pipeline component the server wires into routes.
// Soft components (caches, pipeline, runner) may be nil in tests.
type Deps struct {
	Resolver   *auth.Resolver
	Limiter    *ratelimit.Limiter
	ABRouter   *abtest.Router
	Exact      *cache.ExactCache
	Semantic   *cache.SemanticCache
	Dispatcher *provider.Dispatcher
	Pipeline   *analytics.Pipeline
	EvalStore  *evaluation.Store
	Runner     *evaluation.Runner
	Slack      *alerting.Client
	Traces     *trace.Store
	Events     *events.Store
	Metrics    *metrics.Metrics
}

// Server routes gateway requests through the pipeline.
type Server struct {
	resolver   *auth.Resolver
	limiter    *ratelimit.Limiter
	abrouter   *abtest.Router
	exact      *cache.ExactCache
	semantic   *cache.SemanticCache
	dispatcher *provider.Dispatcher
	pipeline   *analytics.Pipeline
	evalStore  *evaluation.Store
	runner     *evaluation.Runner
	slack      *alerting.Client
	traces     *trace.Store
	events     *events.Store
	metrics    *metrics.Metrics
	logger     *log.Logger
	upgrader   websocket.Upgrader
}

func NewServer(deps Deps) *Server {
	return &Server{
		resolver:   deps.Resolver,
		limiter:    deps.Limiter,
		abrouter:   deps.ABRouter,
		exact:      deps.Exact,
		semantic:   deps.Semantic,
		dispatcher: deps.Dispatcher,
		pipeline:   deps.Pipeline,
		evalStore:  deps.EvalStore,
		runner:     deps.Runner,
		slack:      deps.Slack,
		traces:     deps.Traces,
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard runs on a different origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes builds the full router. Everything under /v1 requires a bearer
// token; /health and /metrics stay open.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware)

	// ========================================================================
	// PROXY - the OpenAI-compatible hot path
	// ========================================================================
	v1.HandleFunc("/chat/completions", s.handleChat).Methods("POST")
	v1.HandleFunc("/completions", s.handleCompletion).Methods("POST")
	v1.HandleFunc("/embeddings", s.handleEmbedding).Methods("POST")
	v1.HandleFunc("/models", s.handleModels).Methods("GET")

	// ========================================================================
	// OBSERVABILITY - events, metrics, live tail
	// ========================================================================
	v1.HandleFunc("/projects/{projectID}/events", s.handleEventIngest).Methods("POST")
	v1.HandleFunc("/events/batch", s.handleEventBatch).Methods("POST")
	v1.HandleFunc("/events/query", s.handleEventQuery).Methods("POST")
	v1.HandleFunc("/projects/{projectID}/metrics", s.handleProjectMetrics).Methods("GET")
	v1.HandleFunc("/projects/{projectID}/events/stream", s.handleEventStream).Methods("GET")

	// ========================================================================
	// TRACE REPLAY - agent runs
	// ========================================================================
	v1.HandleFunc("/agent-runs", s.handleRunIngest).Methods("POST")
	v1.HandleFunc("/agent-runs", s.handleRunList).Methods("GET")
	v1.HandleFunc("/agent-runs/{runID}/snapshot", s.handleRunSnapshot).Methods("GET")
	v1.HandleFunc("/agent-runs/{runID}/replay", s.handleRunReplay).Methods("POST")
	v1.HandleFunc("/agent-runs/{runID}/compare", s.handleRunCompare).Methods("POST")

	// ========================================================================
	// EVALUATION - rule sets and on-demand runs
	// ========================================================================
	v1.HandleFunc("/projects/{projectID}/evaluations/rule-sets", s.handleRuleSetUpsert).Methods("POST")
	v1.HandleFunc("/projects/{projectID}/evaluations/rule-sets", s.handleRuleSetList).Methods("GET")
	v1.HandleFunc("/projects/{projectID}/evaluations/rule-sets/{id}", s.handleRuleSetGet).Methods("GET")
	v1.HandleFunc("/projects/{projectID}/evaluations/rule-sets/{id}", s.handleRuleSetDelete).Methods("DELETE")
	v1.HandleFunc("/projects/{projectID}/evaluations/results", s.handleRecentResults).Methods("GET")
	v1.HandleFunc("/evaluations/run", s.handleEvaluateRun).Methods("POST")
	v1.HandleFunc("/evaluations/run-batch", s.handleEvaluateBatch).Methods("POST")

	// ========================================================================
	// INTEGRATIONS + CACHE ADMIN
	// ========================================================================
	v1.HandleFunc("/projects/{projectID}/integrations/slack", s.handleSlackConfigure).Methods("POST")
	v1.HandleFunc("/projects/{projectID}/integrations/slack/test", s.handleSlackTest).Methods("POST")
	v1.HandleFunc("/projects/{projectID}/cache/invalidate", s.handleCacheInvalidate).Methods("POST")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleModels lists the static model allow-list in the OpenAI shape.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := pricing.Models()
	data := make([]map[string]interface{}, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]interface{}{"id": m, "object": "model"})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": data})
}
