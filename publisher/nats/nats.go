// Package nats publishes outbox events to NATS subjects.
package nats

import (
	"context"
	"fmt"

	"github.com/idmesh/outbox"
	"github.com/nats-io/nats.go"
)

// Conn is implemented by *nats.Conn.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// Publisher publishes every event on the subject named after its topic.
type Publisher struct {
	conn Conn
}

var _ outbox.Publisher = (*Publisher)(nil)

func New(conn Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Publish sends event and waits until the server has received it.
func (p *Publisher) Publish(ctx context.Context, topic string, event *outbox.Event) error {
	msg := &nats.Msg{
		Subject: topic,
		Data:    event.Payload,
		Header:  make(nats.Header),
	}
	msg.Header.Set(nats.MsgIdHdr, event.ID.String())
	msg.Header.Set("event_tag", event.Tag)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing to subject %s: %w", topic, err)
	}

	// a published message only sits in the client buffer until flushed
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing subject %s: %w", topic, err)
	}
	return nil
}
