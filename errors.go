package outbox

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrEventTagRequired is returned when a record has no event tag.
	ErrEventTagRequired = errors.New("outbox: event tag is required")
	// ErrTopicRequired is returned when a record has no topic.
	ErrTopicRequired = errors.New("outbox: topic is required")
	// ErrPayloadRequired is returned when a record has an empty payload.
	ErrPayloadRequired = errors.New("outbox: payload is required")
	// ErrInvalidBatchSize is returned when a batch fetch is asked for a non-positive number of records.
	ErrInvalidBatchSize = errors.New("outbox: batch size must be positive")
	// ErrInvalidRetention is returned when a purge is asked for a non-positive retention window.
	ErrInvalidRetention = errors.New("outbox: retention days must be positive")
	// ErrRecordNotFound is returned when a record with the given ID does not exist.
	ErrRecordNotFound = errors.New("outbox: record not found")
	// ErrUnknownEventTag is returned when no decoder is registered for a record's event tag.
	ErrUnknownEventTag = errors.New("outbox: unknown event tag")
)

// StoreError indicates a failed persistence operation on the outbox table.
// Relay cycles abort and roll back the whole batch when they hit one.
type StoreError struct {
	Op  string
	ID  uuid.UUID
	Err error
}

func (e *StoreError) Error() string {
	if e.ID == uuid.Nil {
		return fmt.Sprintf("outbox store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("outbox store: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// PublishError indicates a failed delivery attempt.
// It includes the record that failed to be published and the original error.
type PublishError struct {
	Record Record
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing record %s to %q: %v", e.Record.ID, e.Record.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// DecodeError indicates a payload that cannot be decoded under its event tag.
// Such records are dead-lettered on first encounter.
type DecodeError struct {
	Record Record
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding record %s with tag %q: %v", e.Record.ID, e.Record.EventTag, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func storeErr(op string, id uuid.UUID, err error) error {
	return &StoreError{Op: op, ID: id, Err: err}
}
