package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records every batch it receives.
type captureSink struct {
	mu      sync.Mutex
	batches [][]*UsageRecord
}

func (c *captureSink) WriteBatch(ctx context.Context, records []*UsageRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]*UsageRecord, len(records))
	copy(batch, records)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func record(project string) *UsageRecord {
	return &UsageRecord{ProjectID: project, Timestamp: time.Now(), Model: "gpt-4o"}
}

func TestPipelineFlushesOnBatchSize(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(sink, 3, 100, time.Hour, nil)
	defer p.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		assert.True(t, p.Enqueue(record("proj-1")))
	}

	assert.Eventually(t, func() bool { return sink.total() == 3 }, time.Second, 10*time.Millisecond)
}

func TestPipelineFlushesOnInterval(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(sink, 100, 100, 20*time.Millisecond, nil)
	defer p.Shutdown(context.Background())

	p.Enqueue(record("proj-1"))
	assert.Eventually(t, func() bool { return sink.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPipelineDropsWhenFull(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(sink, 1000, 2, time.Hour, nil)
	// Stop the consumer so the queue cannot drain.
	require.NoError(t, p.Shutdown(context.Background()))

	assert.True(t, p.Enqueue(record("proj-1")))
	assert.True(t, p.Enqueue(record("proj-1")))
	assert.False(t, p.Enqueue(record("proj-1")))
}

func TestPipelineDrainsOnShutdown(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(sink, 1000, 1000, time.Hour, nil)

	for i := 0; i < 10; i++ {
		p.Enqueue(record("proj-1"))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 10, sink.total())
}
