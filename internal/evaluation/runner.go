package evaluation

import (
	"context"
	"log"
	"sync"

	"github.com/llmtrace/gateway/internal/metrics"
)

const recentResultsCap = 500

// job is one queued evaluation: an input plus the rule sets it matched.
type job struct {
	ruleSets []*Compiled
	input    *Input
}

// Runner consumes evaluation jobs on its own goroutine, mirroring the
// usage pipeline: bounded queue, non-blocking enqueue, drop on overload.
// Results feed the alert manager, an optional downstream hook, and a
// bounded in-memory ring of recent results per project.
type Runner struct {
	store    *Store
	alerts   *AlertManager
	onResult func(*Result)
	metrics  *metrics.Metrics
	logger   *log.Logger

	queue    chan job
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu     sync.RWMutex
	recent map[string][]*Result // keyed by project id
}

func NewRunner(store *Store, alerts *AlertManager, queueSize int, onResult func(*Result), m *metrics.Metrics) *Runner {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Runner{
		store:    store,
		alerts:   alerts,
		onResult: onResult,
		metrics:  m,
		logger:   log.New(log.Writer(), "[EVALRUN] ", log.LstdFlags),
		queue:    make(chan job, queueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		recent:   make(map[string][]*Result),
	}
	go r.consume()
	return r
}

// Submit queues an input against the rule sets matching it. Never blocks;
// an overloaded queue drops the job with a counter.
func (r *Runner) Submit(projectID string, in *Input) int {
	matched := r.store.Matching(projectID, in)
	if len(matched) == 0 {
		return 0
	}

	var immediate []*Compiled
	var async []*Compiled
	for _, rs := range matched {
		if rs.Async {
			async = append(async, rs)
		} else {
			immediate = append(immediate, rs)
		}
	}

	// Synchronous rule sets still run off the request path; they just skip
	// the queue so results are available immediately.
	for _, rs := range immediate {
		r.process(context.Background(), rs, in)
	}

	if len(async) > 0 {
		select {
		case r.queue <- job{ruleSets: async, input: in}:
			if r.metrics != nil {
				r.metrics.QueueDepth.WithLabelValues("evaluation").Set(float64(len(r.queue)))
			}
		default:
			r.logger.Printf("⚠️ evaluation queue full, dropping job for request %s", in.RequestID)
			if r.metrics != nil {
				r.metrics.QueueDrops.WithLabelValues("evaluation").Inc()
			}
		}
	}
	return len(matched)
}

// EvaluateNow runs a single rule set synchronously, used by the run and
// run-batch endpoints.
func (r *Runner) EvaluateNow(ctx context.Context, rs *Compiled, in *Input) *Result {
	return r.process(ctx, rs, in)
}

func (r *Runner) process(ctx context.Context, rs *Compiled, in *Input) *Result {
	result := rs.Evaluate(in)

	if r.metrics != nil {
		outcome := "pass"
		if !result.Passed {
			outcome = "fail"
		}
		r.metrics.EvalResults.WithLabelValues(outcome).Inc()
	}

	r.remember(result)
	if r.alerts != nil {
		r.alerts.Observe(ctx, rs, result)
	}
	if r.onResult != nil {
		r.onResult(result)
	}
	return result
}

func (r *Runner) remember(result *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.recent[result.ProjectID], result)
	if len(list) > recentResultsCap {
		list = list[len(list)-recentResultsCap:]
	}
	r.recent[result.ProjectID] = list
}

// Recent returns up to limit of the newest results for a project.
func (r *Runner) Recent(projectID string, limit int) []*Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.recent[projectID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*Result, limit)
	copy(out, list[len(list)-limit:])
	return out
}

func (r *Runner) consume() {
	defer close(r.done)
	for {
		select {
		case j := <-r.queue:
			for _, rs := range j.ruleSets {
				r.process(context.Background(), rs, j.input)
			}
		case <-r.stop:
			for {
				select {
				case j := <-r.queue:
					for _, rs := range j.ruleSets {
						r.process(context.Background(), rs, j.input)
					}
				default:
					return
				}
			}
		}
	}
}

// Shutdown drains the queue and stops the consumer.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
