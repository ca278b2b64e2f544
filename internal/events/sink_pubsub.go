package events

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// PubSubSink publishes events to a Pub/Sub topic for downstream consumers.
type PubSubSink struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubSink wraps an existing client and topic id.
func NewPubSubSink(client *pubsub.Client, topicID string, logger *zap.Logger) (*PubSubSink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topicID == "" {
		return nil, fmt.Errorf("pubsub topic id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{
		topic:  client.Topic(topicID),
		logger: logger,
	}, nil
}

// Emit publishes the event asynchronously. Publish failures are logged and
// never propagate into the pipeline.
func (s *PubSubSink) Emit(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encode event", zap.Error(err))
		return
	}
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind": string(ev.Kind),
		},
	})
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			s.logger.Error("publish event",
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}
	}()
}

// Close flushes pending messages.
func (s *PubSubSink) Close() {
	s.topic.Stop()
}
