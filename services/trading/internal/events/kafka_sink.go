package events

import (
	"context"

	"github.com/sharex/sharex/libs/kafka"
)

// KafkaSink publishes each event type to its own topic.
type KafkaSink struct {
	publisher kafka.Publisher
	topics    map[string]string
}

func NewKafkaSink(publisher kafka.Publisher, topics map[string]string) *KafkaSink {
	return &KafkaSink{publisher: publisher, topics: topics}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, ev Event) error {
	topic, ok := s.topics[ev.Type]
	if !ok || topic == "" {
		return nil
	}
	return s.publisher.Publish(ctx, topic, ev.Key, ev.Payload)
}
