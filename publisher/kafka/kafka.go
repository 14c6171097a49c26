// Package kafka publishes outbox events to Apache Kafka.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/idmesh/outbox"
	"github.com/segmentio/kafka-go"
)

// Header keys set on every published message.
const (
	HeaderMessageID  = "message_id"
	HeaderEventTag   = "event_tag"
	HeaderOccurredAt = "occurred_at"
)

// MessageWriter is implemented by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher writes every event to the Kafka topic it is published on.
// The record ID is used as the message key.
type Publisher struct {
	writer MessageWriter
}

var _ outbox.Publisher = (*Publisher)(nil)

// New creates a Publisher on top of w. The writer must not have a fixed topic.
func New(w MessageWriter) *Publisher {
	return &Publisher{writer: w}
}

// NewWriter returns a writer for brokers that waits for all in-sync replicas
// to acknowledge every message.
func NewWriter(brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Publish writes event to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, event *outbox.Event) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(event.ID.String()),
		Value: event.Payload,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(event.ID.String())},
			{Key: HeaderEventTag, Value: []byte(event.Tag)},
			{Key: HeaderOccurredAt, Value: []byte(event.OccurredAt.UTC().Format(time.RFC3339Nano))},
		},
	})
	if err != nil {
		return fmt.Errorf("writing kafka message to %s: %w", topic, err)
	}
	return nil
}
