package analytics

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/llmtrace/gateway/internal/metrics"
)

// Pipeline is the bounded MPSC usage queue. Producers enqueue without
// blocking; a full queue drops the row and bumps a counter. One consumer
// goroutine batches rows by size or age and hands them to the sink.
type Pipeline struct {
	queue         chan *UsageRecord
	sink          Sink
	batchSize     int
	batchInterval time.Duration
	metrics       *metrics.Metrics
	logger        *log.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewPipeline(sink Sink, batchSize, maxInFlight int, batchInterval time.Duration, m *metrics.Metrics) *Pipeline {
	if batchSize <= 0 {
		batchSize = 128
	}
	if maxInFlight <= 0 {
		maxInFlight = 4096
	}
	if batchInterval <= 0 {
		batchInterval = 500 * time.Millisecond
	}
	p := &Pipeline{
		queue:         make(chan *UsageRecord, maxInFlight),
		sink:          sink,
		batchSize:     batchSize,
		batchInterval: batchInterval,
		metrics:       m,
		logger:        log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go p.consume()
	return p
}

// Enqueue offers a record to the queue. Never blocks.
func (p *Pipeline) Enqueue(record *UsageRecord) bool {
	select {
	case p.queue <- record:
		if p.metrics != nil {
			p.metrics.QueueDepth.WithLabelValues("usage").Set(float64(len(p.queue)))
		}
		return true
	default:
		p.logger.Printf("⚠️ usage queue full, dropping record for project %s", record.ProjectID)
		if p.metrics != nil {
			p.metrics.QueueDrops.WithLabelValues("usage").Inc()
		}
		return false
	}
}

// consume is the single consumer: flush on batch size, interval tick, or
// shutdown, whichever comes first.
func (p *Pipeline) consume() {
	defer close(p.done)

	ticker := time.NewTicker(p.batchInterval)
	defer ticker.Stop()

	batch := make([]*UsageRecord, 0, p.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.sink.WriteBatch(ctx, batch)
		cancel()
		outcome := "ok"
		if err != nil {
			outcome = "error"
			p.logger.Printf("⚠️ batch flush failed, %d rows lost: %v", len(batch), err)
		}
		if p.metrics != nil {
			p.metrics.BatchesFlushed.WithLabelValues("usage", outcome).Inc()
		}
		batch = batch[:0]
	}

	for {
		select {
		case record := <-p.queue:
			batch = append(batch, record)
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.stop:
			// Drain whatever is already queued, then flush once.
			for {
				select {
				case record := <-p.queue:
					batch = append(batch, record)
					if len(batch) >= p.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Shutdown stops the consumer after draining the queue.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	select {
	case <-p.done:
		return p.sink.Close()
	case <-ctx.Done():
		return ctx.Err()
	}
}
