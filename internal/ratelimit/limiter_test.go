package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/llmtrace/gateway/internal/core"
)

type downKV struct{}

func (downKV) Incr(ctx context.Context, key string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (downKV) Get(ctx context.Context, key string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (downKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return errors.New("connection refused")
}

func TestAllowMinuteWithinLimit(t *testing.T) {
	l := NewLimiter(NewMemoryKV(), nil)
	limits := core.PlanLimits{RequestsPerMinute: 3, RequestsPerMonth: 100}

	for i := 0; i < 3; i++ {
		d := l.AllowMinute(context.Background(), "proj-1", limits)
		assert.True(t, d.Allowed)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := l.AllowMinute(context.Background(), "proj-1", limits)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, 0)
	assert.LessOrEqual(t, d.RetryAfter, 60)
}

func TestAllowMinuteIsolatesProjects(t *testing.T) {
	l := NewLimiter(NewMemoryKV(), nil)
	limits := core.PlanLimits{RequestsPerMinute: 1}

	assert.True(t, l.AllowMinute(context.Background(), "proj-a", limits).Allowed)
	assert.False(t, l.AllowMinute(context.Background(), "proj-a", limits).Allowed)
	assert.True(t, l.AllowMinute(context.Background(), "proj-b", limits).Allowed)
}

func TestFailOpenWhenKVDown(t *testing.T) {
	l := NewLimiter(downKV{}, nil)
	limits := core.PlanLimits{RequestsPerMinute: 1, RequestsPerMonth: 1}

	assert.True(t, l.AllowMinute(context.Background(), "proj-1", limits).Allowed)
	assert.True(t, l.CheckQuota(context.Background(), "proj-1", limits).Allowed)
}

func TestQuotaOnlyMovesOnCommit(t *testing.T) {
	l := NewLimiter(NewMemoryKV(), nil)
	limits := core.PlanLimits{RequestsPerMinute: 100, RequestsPerMonth: 2}
	ctx := context.Background()

	// Checks alone never consume quota.
	for i := 0; i < 5; i++ {
		d := l.CheckQuota(ctx, "proj-1", limits)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, d.Remaining)
	}

	l.CommitQuota(ctx, "proj-1")
	d := l.CheckQuota(ctx, "proj-1", limits)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	l.CommitQuota(ctx, "proj-1")
	d = l.CheckQuota(ctx, "proj-1", limits)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, 0)
}

func TestQuotaResetsAtMonthBoundary(t *testing.T) {
	l := NewLimiter(NewMemoryKV(), nil)
	limits := core.PlanLimits{RequestsPerMonth: 1}
	ctx := context.Background()

	jan := time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC)
	l.now = func() time.Time { return jan }
	l.CommitQuota(ctx, "proj-1")
	assert.False(t, l.CheckQuota(ctx, "proj-1", limits).Allowed)

	// One minute later it is February: a fresh counter.
	l.now = func() time.Time { return jan.Add(time.Minute) }
	d := l.CheckQuota(ctx, "proj-1", limits)
	assert.True(t, d.Allowed)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), d.ResetAt)
}

func TestMinuteWindowExpires(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	n, err := kv.Incr(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, kv.Expire(ctx, "k", -time.Second))

	n, err = kv.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
