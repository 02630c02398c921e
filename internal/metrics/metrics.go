package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway hot path.
type Metrics struct {
	// Proxy metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
	CostUSD         *prometheus.CounterVec

	// Cache metrics
	CacheLookups *prometheus.CounterVec
	CacheWrites  *prometheus.CounterVec

	// Admission metrics
	RateLimited  *prometheus.CounterVec
	QuotaDenied  *prometheus.CounterVec
	KVFailOpen   prometheus.Counter
	AuthFailures prometheus.Counter

	// Upstream metrics
	UpstreamDuration *prometheus.HistogramVec
	UpstreamRetries  *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec

	// Async pipeline metrics
	QueueDepth    *prometheus.GaugeVec
	QueueDrops    *prometheus.CounterVec
	BatchesFlushed *prometheus.CounterVec
	EvalResults   *prometheus.CounterVec
	AlertsFired   prometheus.Counter
}

// New creates and registers all gateway metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total proxied requests by route, status, and cache state",
			},
			[]string{"route", "status", "cache"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"route", "provider"},
		),
		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token counts by provider and direction",
			},
			[]string{"provider", "direction"}, // direction: prompt, completion
		),
		CostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cost_usd_total",
				Help: "Accumulated request cost in USD",
			},
			[]string{"provider", "model"},
		),
		CacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_lookups_total",
				Help: "Cache lookups by kind and outcome",
			},
			[]string{"kind", "outcome"}, // outcome: hit, miss, error
		),
		CacheWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_writes_total",
				Help: "Cache writes by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Requests rejected by the minute window",
			},
			[]string{"plan"},
		),
		QuotaDenied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_quota_denied_total",
				Help: "Requests rejected by the monthly quota",
			},
			[]string{"plan"},
		),
		KVFailOpen: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_kv_fail_open_total",
				Help: "Admissions granted because the KV backend was unreachable",
			},
		),
		AuthFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_auth_failures_total",
				Help: "Requests rejected during key resolution",
			},
		),
		UpstreamDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_duration_seconds",
				Help:    "Upstream provider call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "outcome"},
		),
		UpstreamRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_retries_total",
				Help: "Upstream retry attempts by provider",
			},
			[]string{"provider"},
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_breaker_state",
				Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
			},
			[]string{"provider"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_queue_depth",
				Help: "Current depth of the async queues",
			},
			[]string{"queue"}, // usage, evaluation
		),
		QueueDrops: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_queue_drops_total",
				Help: "Events dropped because a bounded queue was full",
			},
			[]string{"queue"},
		),
		BatchesFlushed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_batches_flushed_total",
				Help: "Batches flushed to the warehouse sink by outcome",
			},
			[]string{"queue", "outcome"},
		),
		EvalResults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_evaluation_results_total",
				Help: "Evaluation rule-set outcomes",
			},
			[]string{"outcome"}, // pass, fail, error
		),
		AlertsFired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_alerts_fired_total",
				Help: "Pass-rate alerts dispatched to Slack",
			},
		),
	}
}
