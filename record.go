package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an outbox record.
type Status int16

const (
	// StatusPending marks a record that still has to be delivered.
	StatusPending Status = 0
	// StatusProcessed marks a record that was delivered to the message bus.
	StatusProcessed Status = 1
	// StatusDeadLettered marks a record that will never be delivered and is kept for operators.
	StatusDeadLettered Status = -1
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessed:
		return "processed"
	case StatusDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// RecordOption is a function that can be used to configure a Record.
type RecordOption func(*Record)

// Record represents one integration event waiting in the outbox table.
// A record is appended inside the business transaction that produced the event
// and later delivered by the Relay.
type Record struct {
	// ID is a unique identifier for the record, immutable once created.
	ID uuid.UUID

	// EventTag identifies the schema of the payload (e.g. "identity.user_registered").
	// It selects the decoder registered in the Registry.
	EventTag string

	// Topic is the destination channel on the message bus.
	Topic string

	// Payload is the serialized event body, typically JSON.
	Payload []byte

	// OccurredAt is the creation timestamp in UTC, used to order batches.
	OccurredAt time.Time

	// ProcessedAt is nil while the record is pending.
	// Read only field
	ProcessedAt *time.Time

	// AttemptCount is the number of failed delivery attempts.
	// Read only field
	AttemptCount int

	// LastError describes the last failed attempt, empty if none.
	// Read only field
	LastError string

	// Status tells processed records apart from dead-lettered ones.
	// Read only field
	Status Status
}

// WithID sets the unique identifier of the record.
// If not provided, a new UUID will be generated.
func WithID(id uuid.UUID) RecordOption {
	return func(r *Record) {
		r.ID = id
	}
}

// WithOccurredAt sets the time the event occurred.
// If not provided, the current time will be used.
func WithOccurredAt(occurredAt time.Time) RecordOption {
	return func(r *Record) {
		r.OccurredAt = occurredAt.UTC()
	}
}

// NewRecord creates a new pending Record for the given event tag, topic and payload.
func NewRecord(eventTag, topic string, payload []byte, opts ...RecordOption) *Record {
	r := &Record{
		ID:         uuid.New(),
		EventTag:   eventTag,
		Topic:      topic,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
		Status:     StatusPending,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// IsPending reports whether the record is still eligible for delivery.
func (r *Record) IsPending() bool {
	return r.ProcessedAt == nil
}

// IsTerminal reports whether the record was processed or dead-lettered.
func (r *Record) IsTerminal() bool {
	return r.ProcessedAt != nil
}

func (r *Record) validate() error {
	if r.EventTag == "" {
		return ErrEventTagRequired
	}
	if r.Topic == "" {
		return ErrTopicRequired
	}
	if len(r.Payload) == 0 {
		return ErrPayloadRequired
	}
	return nil
}
