// Package ratelimit enforces per-minute windows and monthly quotas on top
// of an external counter store. The KV backend is a soft dependency: when
// it is unreachable the request is admitted and a warning is logged.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/metrics"
)

// Decision is the outcome of a rate-limit or quota check, carrying
// everything needed for the X-RateLimit-* response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds, meaningful only when !Allowed
}

// Limiter keeps per-minute and per-month counters in the KV store.
type Limiter struct {
	kv      KV
	metrics *metrics.Metrics
	logger  *log.Logger

	// now is swappable for tests.
	now func() time.Time
}

func NewLimiter(kv KV, m *metrics.Metrics) *Limiter {
	return &Limiter{
		kv:      kv,
		metrics: m,
		logger:  log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags),
		now:     time.Now,
	}
}

func minuteKey(projectID string, bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", projectID, bucket)
}

func quotaKey(projectID string, t time.Time) string {
	return fmt.Sprintf("quota:%s:%s", projectID, t.UTC().Format("2006-01"))
}

// AllowMinute increments the current minute bucket and decides admission.
// On KV failure the request is admitted (fail open).
func (l *Limiter) AllowMinute(ctx context.Context, projectID string, limits core.PlanLimits) Decision {
	now := l.now()
	bucket := now.Unix() / 60
	resetAt := time.Unix((bucket+1)*60, 0)

	count, err := l.kv.Incr(ctx, minuteKey(projectID, bucket))
	if err != nil {
		l.logger.Printf("⚠️ KV unreachable, admitting request for project %s: %v", projectID, err)
		if l.metrics != nil {
			l.metrics.KVFailOpen.Inc()
		}
		return Decision{Allowed: true, Limit: limits.RequestsPerMinute, Remaining: limits.RequestsPerMinute - 1, ResetAt: resetAt}
	}
	if count == 1 {
		// First hit in this bucket sets the window TTL.
		if err := l.kv.Expire(ctx, minuteKey(projectID, bucket), 60*time.Second); err != nil {
			l.logger.Printf("⚠️ failed to set TTL on minute bucket for %s: %v", projectID, err)
		}
	}

	remaining := limits.RequestsPerMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   int(count) <= limits.RequestsPerMinute,
		Limit:     limits.RequestsPerMinute,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = int(resetAt.Sub(now).Seconds()) + 1
		if d.RetryAfter > 60 {
			d.RetryAfter = 60
		}
	}
	return d
}

// CheckQuota reads the monthly counter without incrementing it. The counter
// only moves forward in CommitQuota, after a successful response, so a
// rejected or failed request never burns quota.
func (l *Limiter) CheckQuota(ctx context.Context, projectID string, limits core.PlanLimits) Decision {
	now := l.now()
	resetAt := monthStart(now.UTC().AddDate(0, 1, 0))

	count, err := l.kv.Get(ctx, quotaKey(projectID, now))
	if err != nil {
		l.logger.Printf("⚠️ KV unreachable for quota check, admitting project %s: %v", projectID, err)
		if l.metrics != nil {
			l.metrics.KVFailOpen.Inc()
		}
		return Decision{Allowed: true, Limit: limits.RequestsPerMonth, Remaining: limits.RequestsPerMonth, ResetAt: resetAt}
	}

	remaining := limits.RequestsPerMonth - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   int(count) < limits.RequestsPerMonth,
		Limit:     limits.RequestsPerMonth,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = int(resetAt.Sub(now).Seconds())
	}
	return d
}

// CommitQuota increments the monthly counter after a successful (or cached)
// response. Best effort; failures are logged and swallowed.
func (l *Limiter) CommitQuota(ctx context.Context, projectID string) {
	now := l.now()
	key := quotaKey(projectID, now)
	count, err := l.kv.Incr(ctx, key)
	if err != nil {
		l.logger.Printf("⚠️ quota commit failed for project %s: %v", projectID, err)
		return
	}
	if count == 1 {
		// TTL reaches the end of next month so a late reader never sees a
		// counter from two months ago.
		ttl := monthStart(now.UTC().AddDate(0, 2, 0)).Sub(now)
		if err := l.kv.Expire(ctx, key, ttl); err != nil {
			l.logger.Printf("⚠️ failed to set TTL on quota counter for %s: %v", projectID, err)
		}
	}
}

// monthStart truncates a time to the first instant of its UTC month.
func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
