package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmtrace/gateway/internal/abtest"
	"github.com/llmtrace/gateway/internal/alerting"
	"github.com/llmtrace/gateway/internal/auth"
	"github.com/llmtrace/gateway/internal/cache"
	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/evaluation"
	"github.com/llmtrace/gateway/internal/events"
	"github.com/llmtrace/gateway/internal/provider"
	"github.com/llmtrace/gateway/internal/ratelimit"
	"github.com/llmtrace/gateway/internal/trace"
)

const testToken = "sk-test-abcdef123456"

type fakeDirectory struct {
	keys     map[string]*core.APIKey
	projects map[string]*core.Project
}

func (f *fakeDirectory) GetAPIKey(_ context.Context, hash string) (*core.APIKey, error) {
	return f.keys[hash], nil
}

func (f *fakeDirectory) GetProject(_ context.Context, id string) (*core.Project, error) {
	return f.projects[id], nil
}

func (f *fakeDirectory) TouchKey(context.Context, string) error { return nil }

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float64, error) {
	return []float64{1, 0, 0}, nil
}

const upstreamChatBody = `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],` +
	`"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, upstreamChatBody)
	}))
}

func newTestServer(t *testing.T, upstreamURL string, project *core.Project) *httptest.Server {
	t.Helper()
	if project == nil {
		project = &core.Project{ID: "proj-1", Plan: core.PlanPro}
	}

	dir := &fakeDirectory{
		keys: map[string]*core.APIKey{
			auth.HashToken(testToken): {
				KeyHash:   auth.HashToken(testToken),
				KeyPrefix: "sk-test-",
				ProjectID: project.ID,
				IsActive:  true,
			},
		},
		projects: map[string]*core.Project{project.ID: project},
	}

	registry := provider.NewRegistry(provider.NewOpenAIClient(upstreamURL, "test-key", nil))
	evalStore := evaluation.NewStore(nil)

	var semantic *cache.SemanticCache
	if project.SemanticCache {
		semantic = cache.NewSemanticCache(stubEmbedder{}, nil, 0.9, 50, nil)
	}

	srv := NewServer(Deps{
		Resolver:   auth.NewResolver(dir),
		Limiter:    ratelimit.NewLimiter(ratelimit.NewMemoryKV(), nil),
		ABRouter:   abtest.NewRouter(),
		Exact:      cache.NewExactCache(nil, time.Hour, nil),
		Semantic:   semantic,
		Dispatcher: provider.NewDispatcher(registry, 5*time.Second, 0, nil),
		EvalStore:  evalStore,
		Runner:     evaluation.NewRunner(evalStore, nil, 16, nil, nil),
		Slack:      alerting.NewClient(),
		Traces:     trace.NewStore(100, 100),
		Events:     events.NewStore(100),
	})

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func chatBody(content string) map[string]interface{} {
	return map[string]interface{}{
		"model":    "gpt-4o",
		"messages": []map[string]interface{}{{"role": "user", "content": content}},
	}
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t, "http://unused", nil)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode(t, resp)["status"])
}

func TestMissingTokenRejected(t *testing.T) {
	ts := newTestServer(t, "http://unused", nil)
	resp, err := http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestValidationErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, "http://unused", nil)
	resp := do(t, ts, "POST", "/v1/chat/completions", map[string]interface{}{
		"model":    "not-a-model",
		"messages": []map[string]interface{}{{"role": "user", "content": "Hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode(t, resp)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "invalid_request", errObj["type"])
	assert.Equal(t, "unknown_model", errObj["code"])
}

func TestBufferedProxyMiss(t *testing.T) {
	upstream := newUpstream(t)
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, nil)

	resp := do(t, ts, "POST", "/v1/chat/completions", chatBody("Hi"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))

	body := decode(t, resp)
	assert.Equal(t, "chat.completion", body["object"])
}

func TestRateLimitAtFreePlan(t *testing.T) {
	upstream := newUpstream(t)
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, &core.Project{ID: "proj-free", Plan: core.PlanFree})

	var last *http.Response
	for i := 0; i < 11; i++ {
		if last != nil {
			last.Body.Close()
		}
		last = do(t, ts, "POST", "/v1/chat/completions", chatBody("Hi"))
	}

	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.Equal(t, "0", last.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, last.Header.Get("Retry-After"))

	body := decode(t, last)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "rate_limited", errObj["type"])
	assert.NotNil(t, errObj["details"])
}

func TestSemanticCacheMissThenHit(t *testing.T) {
	upstream := newUpstream(t)
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, &core.Project{
		ID:            "proj-sem",
		Plan:          core.PlanPro,
		SemanticCache: true,
	})

	first := do(t, ts, "POST", "/v1/chat/completions", chatBody("Hi there"))
	assert.Equal(t, "MISS", first.Header.Get("X-Cache"))
	firstBody, _ := io.ReadAll(first.Body)
	first.Body.Close()

	// Different wording, same stub embedding: only the semantic path can
	// hit. Each probe is unique so a probe that missed never turns into a
	// later exact hit. The cache write runs off the request goroutine.
	probe := 0
	assert.Eventually(t, func() bool {
		probe++
		resp := do(t, ts, "POST", "/v1/chat/completions", chatBody(fmt.Sprintf("Hello there %d", probe)))
		defer resp.Body.Close()
		if resp.Header.Get("X-Cache") != "HIT" {
			return false
		}
		assert.Equal(t, "semantic", resp.Header.Get("X-Cache-Kind"))
		hitBody, _ := io.ReadAll(resp.Body)
		assert.JSONEq(t, string(firstBody), string(hitBody))
		return true
	}, 2*time.Second, 50*time.Millisecond)
}

func TestExactCacheMissThenHit(t *testing.T) {
	upstream := newUpstream(t)
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, nil)

	first := do(t, ts, "POST", "/v1/chat/completions", chatBody("Hi"))
	assert.Equal(t, "MISS", first.Header.Get("X-Cache"))
	firstBody, _ := io.ReadAll(first.Body)
	first.Body.Close()

	assert.Eventually(t, func() bool {
		resp := do(t, ts, "POST", "/v1/chat/completions", chatBody("Hi"))
		defer resp.Body.Close()
		if resp.Header.Get("X-Cache") != "HIT" {
			return false
		}
		assert.Equal(t, "exact", resp.Header.Get("X-Cache-Kind"))
		hitBody, _ := io.ReadAll(resp.Body)
		assert.JSONEq(t, string(firstBody), string(hitBody))
		return true
	}, 2*time.Second, 50*time.Millisecond)
}

func TestStreamedCompletionCacheWrite(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"text\":\"Hel\"}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"text\":\"lo\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, nil)

	body := map[string]interface{}{"model": "gpt-4o", "prompt": "Hi", "stream": true}

	first := do(t, ts, "POST", "/v1/completions", body)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "MISS", first.Header.Get("X-Cache"))
	first.Body.Close()

	// The reconstructed text_completion body lands in the cache off the
	// request goroutine; replayed hits are one frame plus the terminator.
	assert.Eventually(t, func() bool {
		resp := do(t, ts, "POST", "/v1/completions", body)
		defer resp.Body.Close()
		if resp.Header.Get("X-Cache") != "HIT" {
			return false
		}
		assert.Equal(t, "exact", resp.Header.Get("X-Cache-Kind"))
		raw, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(raw), `"object":"text_completion"`)
		assert.Contains(t, string(raw), `"text":"Hello"`)
		assert.True(t, strings.HasSuffix(string(raw), "data: [DONE]\n\n"))
		return true
	}, 2*time.Second, 50*time.Millisecond)
}

func TestProjectMismatchForbidden(t *testing.T) {
	ts := newTestServer(t, "http://unused", nil)
	resp := do(t, ts, "GET", "/v1/projects/someone-else/metrics", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestEventIngestAndQuery(t *testing.T) {
	ts := newTestServer(t, "http://unused", nil)

	resp := do(t, ts, "POST", "/v1/projects/proj-1/events", map[string]interface{}{
		"event_type": "tool_call",
		"tool_name":  "search",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, ts, "POST", "/v1/events/batch", map[string]interface{}{
		"events": []map[string]interface{}{
			{"event_type": "custom", "name": "checkout"},
			{"event_type": "error", "message": "boom"},
		},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(2), decode(t, resp)["count"])

	resp = do(t, ts, "POST", "/v1/events/query", map[string]interface{}{
		"event_types": []string{"tool_call"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decode(t, resp)["count"])

	// Unknown event types are rejected outright.
	resp = do(t, ts, "POST", "/v1/projects/proj-1/events", map[string]interface{}{
		"event_type": "mystery",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRuleSetCRUDAndEvaluate(t *testing.T) {
	ts := newTestServer(t, "http://unused", nil)

	created := decode(t, do(t, ts, "POST", "/v1/projects/proj-1/evaluations/rule-sets", map[string]interface{}{
		"name":       "capital-check",
		"enabled":    true,
		"sampleRate": 1.0,
		"criteria": []map[string]interface{}{
			{"type": "contains", "name": "mentions-paris", "config": map[string]interface{}{"value": "Paris"}},
		},
	}))
	id := created["id"].(string)
	require.NotEmpty(t, id)

	listed := decode(t, do(t, ts, "GET", "/v1/projects/proj-1/evaluations/rule-sets", nil))
	assert.Equal(t, float64(1), listed["count"])

	result := decode(t, do(t, ts, "POST", "/v1/evaluations/run", map[string]interface{}{
		"rule_set_id": id,
		"input": map[string]interface{}{
			"requestId": "req-1",
			"output":    "The capital of France is Paris.",
		},
	}))
	assert.Equal(t, true, result["passed"])
	assert.Equal(t, float64(1), result["score"])
	assert.Equal(t, float64(1), result["totalCount"])

	batch := decode(t, do(t, ts, "POST", "/v1/evaluations/run-batch", map[string]interface{}{
		"rule_set_id": id,
		"inputs": []map[string]interface{}{
			{"requestId": "req-2", "output": "Paris"},
			{"requestId": "req-3", "output": "London"},
		},
	}))
	assert.Equal(t, 0.5, batch["pass_rate"])

	resp := do(t, ts, "DELETE", "/v1/projects/proj-1/evaluations/rule-sets/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, ts, "GET", "/v1/projects/proj-1/evaluations/rule-sets/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRuleSetCompileErrorIs400(t *testing.T) {
	ts := newTestServer(t, "http://unused", nil)
	resp := do(t, ts, "POST", "/v1/projects/proj-1/evaluations/rule-sets", map[string]interface{}{
		"name":    "bad",
		"enabled": true,
		"criteria": []map[string]interface{}{
			{"type": "llm_judge", "name": "judge", "config": map[string]interface{}{}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func testRun(id string, steps int) map[string]interface{} {
	stepList := make([]map[string]interface{}, 0, steps)
	for i := 0; i < steps; i++ {
		stepList = append(stepList, map[string]interface{}{
			"index": i,
			"request": map[string]interface{}{
				"model":    "gpt-4o",
				"messages": []map[string]interface{}{{"role": "user", "content": fmt.Sprintf("step %d", i)}},
			},
			"response": map[string]interface{}{
				"content":    "ok",
				"usage":      map[string]interface{}{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
				"cost_usd":   0.001,
				"latency_ms": 100,
			},
		})
	}
	return map[string]interface{}{
		"run_id":     id,
		"agent_name": "researcher",
		"status":     "completed",
		"started_at": time.Now().UTC().Format(time.RFC3339),
		"steps":      stepList,
	}
}

func TestAgentRunLifecycle(t *testing.T) {
	ts := newTestServer(t, "http://unused", &core.Project{
		ID:               "proj-1",
		Plan:             core.PlanPro,
		SnapshotsEnabled: true,
	})

	resp := do(t, ts, "POST", "/v1/agent-runs", testRun("run-1", 2))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	snap := decode(t, do(t, ts, "GET", "/v1/agent-runs/run-1/snapshot", nil))
	assert.Equal(t, "run-1", snap["run_id"])
	assert.Equal(t, "proj-1", snap["project_id"])

	replayed := decode(t, do(t, ts, "POST", "/v1/agent-runs/run-1/replay", map[string]interface{}{
		"step_index": 1,
		"changes":    map[string]interface{}{"model": "gpt-4o-mini"},
	}))
	assert.NotEmpty(t, replayed["modification_id"])
	ctx := replayed["context"].(map[string]interface{})
	req := ctx["request"].(map[string]interface{})
	assert.Equal(t, "gpt-4o-mini", req["model"])

	cmp := decode(t, do(t, ts, "POST", "/v1/agent-runs/run-1/compare", map[string]interface{}{
		"replay_run_id": "run-1",
	}))
	assert.Equal(t, float64(0), cmp["improvement_score"])

	resp = do(t, ts, "GET", "/v1/agent-runs/missing/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRunIngestRequiresSnapshotsFlag(t *testing.T) {
	ts := newTestServer(t, "http://unused", nil) // snapshots disabled
	resp := do(t, ts, "POST", "/v1/agent-runs", testRun("run-1", 1))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestModelsListing(t *testing.T) {
	ts := newTestServer(t, "http://unused", nil)
	body := decode(t, do(t, ts, "GET", "/v1/models", nil))
	assert.Equal(t, "list", body["object"])
	assert.NotEmpty(t, body["data"])
}

func TestCacheInvalidateEmpty(t *testing.T) {
	ts := newTestServer(t, "http://unused", nil)
	body := decode(t, do(t, ts, "POST", "/v1/projects/proj-1/cache/invalidate", map[string]interface{}{}))
	assert.Equal(t, float64(0), body["deleted"])

	resp := do(t, ts, "POST", "/v1/projects/proj-1/cache/invalidate", map[string]interface{}{"kind": "bogus"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
