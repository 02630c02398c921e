package provider

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/llmtrace/gateway/internal/core"
	"github.com/llmtrace/gateway/internal/metrics"
)

// Result is the outcome of a buffered dispatch.
type Result struct {
	Body       json.RawMessage
	Usage      core.TokenUsage
	OutputText string
	Provider   Name
	Attempts   int
}

// Dispatcher sends validated requests upstream with a per-provider
// deadline, bounded retries, and a circuit breaker per provider.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	retries  int
	metrics  *metrics.Metrics
	logger   *log.Logger
	breakers map[Name]*breaker
}

// retryBackoff is the base schedule before jitter: first retry after 50ms,
// second after 250ms.
var retryBackoff = []time.Duration{50 * time.Millisecond, 250 * time.Millisecond}

func NewDispatcher(registry *Registry, timeout time.Duration, retries int, m *metrics.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if retries < 0 || retries > len(retryBackoff) {
		retries = len(retryBackoff)
	}
	breakers := make(map[Name]*breaker)
	for _, n := range []Name{OpenAI, Anthropic, Groq} {
		breakers[n] = newBreaker(n)
	}
	return &Dispatcher{
		registry: registry,
		timeout:  timeout,
		retries:  retries,
		metrics:  m,
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		breakers: breakers,
	}
}

// Buffered forwards the request and waits for the complete response.
// Retries cover network-class failures and 5xx only.
func (d *Dispatcher) Buffered(ctx context.Context, req *core.ProxyRequest) (*Result, *core.Error) {
	client, cerr := d.registry.Resolve(req.Model)
	if cerr != nil {
		return nil, cerr
	}
	name := client.Name()

	var lastErr *core.Error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			if d.metrics != nil {
				d.metrics.UpstreamRetries.WithLabelValues(string(name)).Inc()
			}
			select {
			case <-time.After(jittered(retryBackoff[attempt-1])):
			case <-ctx.Done():
				return nil, NormalizeTransportError(name, ctx.Err())
			}
		}

		result, derr := d.once(ctx, client, req)
		if derr == nil {
			result.Attempts = attempt + 1
			return result, nil
		}
		lastErr = derr
		if !Retryable(derr) {
			break
		}
		d.logger.Printf("⚠️ %s attempt %d failed: %v", name, attempt+1, derr)
	}
	return nil, lastErr
}

// once performs a single upstream round trip through the breaker.
func (d *Dispatcher) once(ctx context.Context, client Client, req *core.ProxyRequest) (*Result, *core.Error) {
	name := client.Name()
	br := d.breakers[name]
	if err := br.allow(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Send(callCtx, req)
	if err != nil {
		br.record(false)
		d.observe(name, "error", start, br)
		return nil, NormalizeTransportError(name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		br.record(false)
		d.observe(name, "error", start, br)
		return nil, NormalizeTransportError(name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := NormalizeStatusError(name, resp.StatusCode, body)
		// 4xx means the provider is healthy and rejected the payload.
		br.record(resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests)
		d.observe(name, "status_error", start, br)
		return nil, serr
	}

	shaped, usage, output, perr := client.ParseBuffered(req, body)
	if perr != nil {
		br.record(false)
		d.observe(name, "bad_response", start, br)
		return nil, core.WrapError(core.KindBadUpstreamResponse, "unparseable_response",
			"upstream returned an unparseable body", perr)
	}

	br.record(true)
	d.observe(name, "ok", start, br)
	return &Result{Body: shaped, Usage: usage, OutputText: output, Provider: name}, nil
}

func (d *Dispatcher) observe(name Name, outcome string, start time.Time, br *breaker) {
	if d.metrics == nil {
		return
	}
	d.metrics.UpstreamDuration.WithLabelValues(string(name), outcome).Observe(time.Since(start).Seconds())
	d.metrics.BreakerState.WithLabelValues(string(name)).Set(br.stateGauge())
}

// jittered adds up to 25% random jitter to a backoff step.
func jittered(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
