package cache

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/database"
	"github.com/llmtrace/gateway/internal/metrics"
)

// semanticEntry is one stored (embedding, response) pair.
type semanticEntry struct {
	Text      string
	Embedding []float64
	Body      json.RawMessage
	Usage     core.TokenUsage
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// SemanticHit is a lookup result above the similarity threshold.
type SemanticHit struct {
	Body  json.RawMessage
	Usage core.TokenUsage
	Score float64
}

// SemanticPersister mirrors entries to durable storage so partitions
// survive a restart. Optional; nil disables persistence.
type SemanticPersister interface {
	InsertSemanticEntry(ctx context.Context, row *database.SemanticEntryRow) error
	ListSemanticEntries(ctx context.Context, projectID, kind string, limit int) ([]database.SemanticEntryRow, error)
}

// SemanticCache matches requests by cosine similarity of their input
// embeddings. Entries live in kind-partitioned in-memory rings of the most
// recent maxPerPartition entries per (project, kind).
type SemanticCache struct {
	embedder  Embedder
	persister SemanticPersister
	threshold float64
	maxPer    int
	metrics   *metrics.Metrics
	logger    *log.Logger

	mu         sync.RWMutex
	partitions map[string][]*semanticEntry // key: projectID + "/" + kind
}

func NewSemanticCache(embedder Embedder, persister SemanticPersister, threshold float64, maxPerPartition int, m *metrics.Metrics) *SemanticCache {
	if threshold <= 0 {
		threshold = 0.92
	}
	if maxPerPartition <= 0 {
		maxPerPartition = 50
	}
	return &SemanticCache{
		embedder:   embedder,
		persister:  persister,
		threshold:  threshold,
		maxPer:     maxPerPartition,
		metrics:    m,
		logger:     log.New(log.Writer(), "[SEMCACHE] ", log.LstdFlags),
		partitions: make(map[string][]*semanticEntry),
	}
}

func partitionKey(projectID string, kind core.RequestKind) string {
	return projectID + "/" + string(kind)
}

// Lookup embeds the normalised input and returns the best stored match at
// or above the threshold. Expired entries are skipped. Embedding failures
// degrade to a miss.
func (s *SemanticCache) Lookup(ctx context.Context, projectID string, kind core.RequestKind, input string) *SemanticHit {
	vec, err := s.embedder.Embed(ctx, NormalizeText(input))
	if err != nil {
		s.logger.Printf("⚠️ embedding failed, semantic miss: %v", err)
		s.count("lookup", "error")
		return nil
	}

	now := time.Now()
	s.mu.RLock()
	entries := s.partitions[partitionKey(projectID, kind)]
	var best *semanticEntry
	bestScore := 0.0
	for _, e := range entries {
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			continue
		}
		score := cosineSimilarity(vec, e.Embedding)
		if score >= s.threshold && score > bestScore {
			best, bestScore = e, score
		}
	}
	s.mu.RUnlock()

	if best == nil {
		s.count("lookup", "miss")
		return nil
	}
	s.count("lookup", "hit")
	return &SemanticHit{Body: best.Body, Usage: best.Usage, Score: bestScore}
}

// Store embeds the input once and appends the entry to its partition,
// evicting the oldest beyond capacity. Runs fire-and-forget on the caller
// side; failures only log.
func (s *SemanticCache) Store(ctx context.Context, projectID string, kind core.RequestKind, input string, body json.RawMessage, usage core.TokenUsage, ttl time.Duration) {
	text := NormalizeText(input)
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.logger.Printf("⚠️ embedding failed, dropping semantic write: %v", err)
		s.count("write", "error")
		return
	}

	entry := &semanticEntry{
		Text:      text,
		Embedding: vec,
		Body:      body,
		Usage:     usage,
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		entry.ExpiresAt = entry.CreatedAt.Add(ttl)
	}

	key := partitionKey(projectID, kind)
	s.mu.Lock()
	entries := append(s.partitions[key], entry)
	if len(entries) > s.maxPer {
		entries = entries[len(entries)-s.maxPer:]
	}
	s.partitions[key] = entries
	s.mu.Unlock()
	s.count("write", "ok")

	if s.persister != nil {
		row := &database.SemanticEntryRow{
			ProjectID: projectID,
			Kind:      string(kind),
			Text:      text,
			Embedding: vec,
			Response:  string(body),
			Tokens:    usage.Total,
		}
		if err := s.persister.InsertSemanticEntry(ctx, row); err != nil {
			s.logger.Printf("⚠️ semantic entry persistence failed: %v", err)
		}
	}
}

// Warm loads persisted entries for a partition, typically at first touch.
func (s *SemanticCache) Warm(ctx context.Context, projectID string, kind core.RequestKind) {
	if s.persister == nil {
		return
	}
	rows, err := s.persister.ListSemanticEntries(ctx, projectID, string(kind), s.maxPer)
	if err != nil {
		s.logger.Printf("⚠️ semantic warm load failed for %s/%s: %v", projectID, kind, err)
		return
	}

	entries := make([]*semanticEntry, 0, len(rows))
	for _, r := range rows {
		e := &semanticEntry{
			Text:      r.Text,
			Embedding: r.Embedding,
			Body:      json.RawMessage(r.Response),
			Usage:     core.TokenUsage{Total: r.Tokens},
		}
		if t, perr := time.Parse(time.RFC3339, r.CreatedAt); perr == nil {
			e.CreatedAt = t
		}
		if r.ExpiresAt != nil {
			if t, perr := time.Parse(time.RFC3339, *r.ExpiresAt); perr == nil {
				e.ExpiresAt = t
			}
		}
		entries = append(entries, e)
	}

	s.mu.Lock()
	s.partitions[partitionKey(projectID, kind)] = entries
	s.mu.Unlock()
}

// Invalidate drops a project's partitions, optionally narrowed to a kind.
func (s *SemanticCache) Invalidate(projectID string, kind core.RequestKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	if kind != "" {
		key := partitionKey(projectID, kind)
		dropped = len(s.partitions[key])
		delete(s.partitions, key)
		return dropped
	}
	for _, k := range []core.RequestKind{core.RequestChat, core.RequestCompletion, core.RequestEmbedding} {
		key := partitionKey(projectID, k)
		dropped += len(s.partitions[key])
		delete(s.partitions, key)
	}
	return dropped
}

// PurgeExpired removes expired entries in one pass over all partitions.
func (s *SemanticCache) PurgeExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, entries := range s.partitions {
		kept := entries[:0]
		for _, e := range entries {
			if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
				purged++
				continue
			}
			kept = append(kept, e)
		}
		s.partitions[key] = kept
	}
	return purged
}

func (s *SemanticCache) count(op, outcome string) {
	if s.metrics == nil {
		return
	}
	if op == "lookup" {
		s.metrics.CacheLookups.WithLabelValues("semantic", outcome).Inc()
	} else {
		s.metrics.CacheWrites.WithLabelValues("semantic", outcome).Inc()
	}
}

// cosineSimilarity returns the cosine of the angle between two vectors,
// zero when lengths differ or either vector is zero.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
