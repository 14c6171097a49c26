// Package rabbitmq publishes outbox events to a RabbitMQ exchange.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/idmesh/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is implemented by *amqp.Channel.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher publishes events as persistent messages on an exchange,
// using the outbox topic as routing key.
type Publisher struct {
	channel  Channel
	exchange string
}

var _ outbox.Publisher = (*Publisher)(nil)

// New creates a Publisher on ch. An empty exchange routes topics straight to queues.
func New(ch Channel, exchange string) *Publisher {
	return &Publisher{
		channel:  ch,
		exchange: exchange,
	}
}

// Publish sends event with the topic as routing key.
func (p *Publisher) Publish(ctx context.Context, topic string, event *outbox.Event) error {
	err := p.channel.PublishWithContext(
		ctx,
		p.exchange,
		topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         event.Payload,
			MessageId:    event.ID.String(),
			Type:         event.Tag,
			Timestamp:    event.OccurredAt,
			DeliveryMode: amqp.Persistent,
			Headers: amqp.Table{
				"event_tag": event.Tag,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("publishing to exchange %q with key %q: %w", p.exchange, topic, err)
	}
	return nil
}
