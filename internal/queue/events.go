package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventEnvelope is the wire shape of one forwarded lifecycle event.
type EventEnvelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// EventPublisher publishes lifecycle events to the events topic for external
// consumers (AI services, dashboards).
type EventPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher constructs a publisher for the given topic.
func NewEventPublisher(k *Kafka, topic string) *EventPublisher {
	return &EventPublisher{writer: k.NewWriter(topic)}
}

// Publish emits one event with an epoch-millisecond timestamp.
func (p *EventPublisher) Publish(ctx context.Context, event string, data any, ts time.Time) error {
	envelope := EventEnvelope{
		Event:     event,
		Data:      data,
		Timestamp: ts.UnixMilli(),
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("event publisher: marshal: %w", err)
	}

	record := kafka.Message{
		Key:   []byte(event),
		Value: value,
		Time:  ts,
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
