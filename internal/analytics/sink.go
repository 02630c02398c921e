package analytics

import (
	"context"
	"encoding/json"
	"log"
)

// Sink receives flushed batches of usage rows. Implementations must accept
// duplicate rows; the pipeline retries nothing and drops on overload.
type Sink interface {
	WriteBatch(ctx context.Context, records []*UsageRecord) error
	Close() error
}

// StdoutSink logs each batch as JSON lines. The default when no warehouse
// is configured, and handy in development.
type StdoutSink struct {
	logger *log.Logger
}

func NewStdoutSink() *StdoutSink {
	return &StdoutSink{logger: log.New(log.Writer(), "[USAGE] ", log.LstdFlags)}
}

func (s *StdoutSink) WriteBatch(ctx context.Context, records []*UsageRecord) error {
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			continue
		}
		s.logger.Printf("%s", line)
	}
	return nil
}

func (s *StdoutSink) Close() error { return nil }
