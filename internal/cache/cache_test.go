package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmtrace/gateway/internal/core"
)

func strPtr(s string) *string { return &s }

func chatReq(model, content string, temp *float64) *core.ProxyRequest {
	return &core.ProxyRequest{
		Kind:        core.RequestChat,
		Model:       model,
		Messages:    []core.Message{{Role: "user", Content: strPtr(content)}},
		Temperature: temp,
	}
}

func TestFingerprintWhitespaceAndCaseInvariant(t *testing.T) {
	a := Fingerprint(chatReq("gpt-4o", "Hello  World", nil))
	b := Fingerprint(chatReq("gpt-4o", "  hello world ", nil))
	assert.Equal(t, a, b)
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint(chatReq("gpt-4o", "hello", nil))

	assert.NotEqual(t, base, Fingerprint(chatReq("gpt-4o-mini", "hello", nil)))

	temp := 0.5
	assert.NotEqual(t, base, Fingerprint(chatReq("gpt-4o", "hello", &temp)))

	// Role order matters.
	sys := &core.ProxyRequest{
		Kind:  core.RequestChat,
		Model: "gpt-4o",
		Messages: []core.Message{
			{Role: "system", Content: strPtr("hello")},
		},
	}
	assert.NotEqual(t, base, Fingerprint(sys))
}

func TestFingerprintKindNamespaced(t *testing.T) {
	chat := Fingerprint(chatReq("gpt-4o", "hello", nil))
	emb := Fingerprint(&core.ProxyRequest{
		Kind:      core.RequestEmbedding,
		Model:     "gpt-4o",
		InputText: "hello",
	})
	assert.NotEqual(t, chat, emb)
	assert.Contains(t, chat, "chat:")
	assert.Contains(t, emb, "embedding:")
}

// stubEmbedder maps known phrases to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float64
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float64{0, 0, 1}, nil
}

func TestSemanticCacheHitAboveThreshold(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{
		"what is the capital of france": {1, 0, 0},
		"capital of france?":            {0.99, 0.1, 0},
	}}
	sc := NewSemanticCache(emb, nil, 0.92, 50, nil)
	ctx := context.Background()

	sc.Store(ctx, "proj-1", core.RequestChat, "What is the capital of France",
		json.RawMessage(`{"answer":"Paris"}`), core.TokenUsage{Total: 12}, 0)

	hit := sc.Lookup(ctx, "proj-1", core.RequestChat, "Capital of France?")
	require.NotNil(t, hit)
	assert.JSONEq(t, `{"answer":"Paris"}`, string(hit.Body))
	assert.GreaterOrEqual(t, hit.Score, 0.92)

	// Orthogonal input misses.
	miss := sc.Lookup(ctx, "proj-1", core.RequestChat, "unrelated question")
	assert.Nil(t, miss)
}

func TestSemanticCachePartitionIsolation(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{"ping": {1, 0, 0}}}
	sc := NewSemanticCache(emb, nil, 0.92, 50, nil)
	ctx := context.Background()

	sc.Store(ctx, "proj-1", core.RequestChat, "ping", json.RawMessage(`{}`), core.TokenUsage{}, 0)

	assert.Nil(t, sc.Lookup(ctx, "proj-2", core.RequestChat, "ping"))
	assert.Nil(t, sc.Lookup(ctx, "proj-1", core.RequestCompletion, "ping"))
	assert.NotNil(t, sc.Lookup(ctx, "proj-1", core.RequestChat, "ping"))
}

func TestSemanticCacheEviction(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{}}
	sc := NewSemanticCache(emb, nil, 0.92, 2, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sc.Store(ctx, "proj-1", core.RequestChat, "x", json.RawMessage(`{}`), core.TokenUsage{}, 0)
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	assert.Len(t, sc.partitions["proj-1/chat"], 2)
}

func TestSemanticCacheExpiry(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{"ping": {1, 0, 0}}}
	sc := NewSemanticCache(emb, nil, 0.92, 50, nil)
	ctx := context.Background()

	sc.Store(ctx, "proj-1", core.RequestChat, "ping", json.RawMessage(`{}`), core.TokenUsage{}, time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	assert.Nil(t, sc.Lookup(ctx, "proj-1", core.RequestChat, "ping"))
	assert.Equal(t, 1, sc.PurgeExpired())
}

func TestSemanticCacheInvalidate(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{"ping": {1, 0, 0}}}
	sc := NewSemanticCache(emb, nil, 0.92, 50, nil)
	ctx := context.Background()

	sc.Store(ctx, "proj-1", core.RequestChat, "ping", json.RawMessage(`{}`), core.TokenUsage{}, 0)
	assert.Equal(t, 1, sc.Invalidate("proj-1", ""))
	assert.Nil(t, sc.Lookup(ctx, "proj-1", core.RequestChat, "ping"))
}

func TestExactCacheLocalFallback(t *testing.T) {
	ec := NewExactCache(nil, time.Hour, nil)
	ctx := context.Background()

	assert.Nil(t, ec.Get(ctx, "proj-1", "chat:abc"))

	ec.Put(ctx, "proj-1", "chat:abc", &Entry{
		Body:  json.RawMessage(`{"answer":"Paris"}`),
		Usage: core.TokenUsage{Total: 12},
		Model: "gpt-4o",
	})
	hit := ec.Get(ctx, "proj-1", "chat:abc")
	require.NotNil(t, hit)
	assert.JSONEq(t, `{"answer":"Paris"}`, string(hit.Body))

	// Other project never sees it.
	assert.Nil(t, ec.Get(ctx, "proj-2", "chat:abc"))

	// Kind-scoped invalidation leaves other kinds alone.
	ec.Put(ctx, "proj-1", "embedding:def", &Entry{Body: json.RawMessage(`{}`)})
	n, err := ec.Invalidate(ctx, "proj-1", core.RequestChat)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, ec.Get(ctx, "proj-1", "chat:abc"))
	assert.NotNil(t, ec.Get(ctx, "proj-1", "embedding:def"))
}

func TestExactCacheLocalExpiry(t *testing.T) {
	ec := NewExactCache(nil, time.Nanosecond, nil)
	ctx := context.Background()

	ec.Put(ctx, "proj-1", "chat:abc", &Entry{Body: json.RawMessage(`{}`)})
	time.Sleep(5 * time.Millisecond)
	assert.Nil(t, ec.Get(ctx, "proj-1", "chat:abc"))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "hello world", NormalizeText("  Hello\n\tWORLD  "))
	assert.Equal(t, "", NormalizeText("   "))
}
