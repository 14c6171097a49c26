package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/idmesh/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishing struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	published []publishing
	err       error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.published = append(c.published, publishing{exchange: exchange, key: key, msg: msg})
	return c.err
}

func TestPublish(t *testing.T) {
	ch := &fakeChannel{}
	event := &outbox.Event{
		ID:         uuid.New(),
		Tag:        "identity.mfa_enabled",
		OccurredAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload:    []byte(`{"user_id":"u1","method":"totp"}`),
	}

	require.NoError(t, New(ch, "identity").Publish(context.Background(), "user-security", event))
	require.Len(t, ch.published, 1)

	got := ch.published[0]
	assert.Equal(t, "identity", got.exchange)
	assert.Equal(t, "user-security", got.key)
	assert.Equal(t, event.Payload, got.msg.Body)
	assert.Equal(t, event.ID.String(), got.msg.MessageId)
	assert.Equal(t, "identity.mfa_enabled", got.msg.Type)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "identity.mfa_enabled", got.msg.Headers["event_tag"])
}

func TestPublishError(t *testing.T) {
	chErr := amqp.ErrClosed

	err := New(&fakeChannel{err: chErr}, "").Publish(context.Background(), "user-security", &outbox.Event{ID: uuid.New()})
	assert.True(t, errors.Is(err, chErr))
}
