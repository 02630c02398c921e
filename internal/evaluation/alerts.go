package evaluation

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/llmtrace/gateway/internal/alerting"
	"github.com/llmtrace/gateway/internal/metrics"
)

// AlertManager keeps a rolling window of pass/fail samples per rule set
// and fires a Slack alert when the pass rate sinks below the rule set's
// threshold. A cooldown stops one bad stretch from paging repeatedly.
type AlertManager struct {
	slack   *alerting.Client
	metrics *metrics.Metrics
	logger  *log.Logger

	mu      sync.Mutex
	windows map[string]*alertWindow // keyed by rule set id

	// now is swappable for tests.
	now func() time.Time
}

type alertWindow struct {
	samples     []alertSample
	lastAlertAt time.Time
}

type alertSample struct {
	at     time.Time
	passed bool
}

func NewAlertManager(slack *alerting.Client, m *metrics.Metrics) *AlertManager {
	return &AlertManager{
		slack:   slack,
		metrics: m,
		logger:  log.New(log.Writer(), "[ALERT] ", log.LstdFlags),
		windows: make(map[string]*alertWindow),
		now:     time.Now,
	}
}

// Observe records one evaluation outcome and fires the alert when the
// window says so. Returns whether an alert was dispatched.
func (a *AlertManager) Observe(ctx context.Context, rs *Compiled, result *Result) bool {
	if rs.Alert == nil {
		return false
	}
	cfg := rs.Alert
	now := a.now()
	window := time.Duration(cfg.WindowMinutes) * time.Minute
	cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute

	a.mu.Lock()
	w, ok := a.windows[rs.ID]
	if !ok {
		w = &alertWindow{}
		a.windows[rs.ID] = w
	}

	w.samples = append(w.samples, alertSample{at: now, passed: result.Passed})
	// Trim samples that fell out of the window.
	cutoff := now.Add(-window)
	kept := w.samples[:0]
	for _, s := range w.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.samples = kept

	passes := 0
	for _, s := range w.samples {
		if s.passed {
			passes++
		}
	}
	sampleCount := len(w.samples)
	passRate := 1.0
	if sampleCount > 0 {
		passRate = float64(passes) / float64(sampleCount)
	}

	shouldFire := sampleCount >= cfg.MinSamples &&
		passRate < cfg.PassRateThreshold &&
		(w.lastAlertAt.IsZero() || now.Sub(w.lastAlertAt) > cooldown)
	if shouldFire {
		w.lastAlertAt = now
	}
	a.mu.Unlock()

	if !shouldFire {
		return false
	}

	a.logger.Printf("🚨 pass rate %.2f below threshold %.2f for rule set %s (%d samples)",
		passRate, cfg.PassRateThreshold, rs.Name, sampleCount)
	if a.metrics != nil {
		a.metrics.AlertsFired.Inc()
	}
	if a.slack != nil {
		msg := alerting.PassRateAlert(rs.Name, passRate, cfg.PassRateThreshold, sampleCount, window)
		if err := a.slack.Send(ctx, rs.ProjectID, msg); err != nil {
			a.logger.Printf("⚠️ alert dispatch failed for rule set %s: %v", rs.ID, err)
		}
	}
	return true
}
