package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// PubSubSink publishes usage rows to a Pub/Sub topic, one message per row,
// for deployments whose warehouse loads from a broker instead of a direct
// database connection.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func NewPubSubSink(ctx context.Context, projectID, topicName string) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	topic.PublishSettings.CountThreshold = 100
	return &PubSubSink{client: client, topic: topic}, nil
}

func (s *PubSubSink) WriteBatch(ctx context.Context, records []*UsageRecord) error {
	results := make([]*pubsub.PublishResult, 0, len(records))
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			continue
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: payload,
			Attributes: map[string]string{
				"project_id": r.ProjectID,
				"provider":   r.Provider,
			},
		}))
	}

	var firstErr error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *PubSubSink) Close() error {
	s.topic.Stop()
	return s.client.Close()
}
