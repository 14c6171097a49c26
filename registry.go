package outbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/goccy/go-json"
)

var errTrailingData = errors.New("unexpected data after the JSON value")

// DecodeFunc turns a record payload into a concrete event value.
type DecodeFunc func(payload []byte) (any, error)

// Registry maps event tags to the decoders of their payloads.
// It is filled at startup and read by the Relay on every record.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// Register binds a decoder to an event tag.
// It panics if the tag is empty, the decoder is nil or the tag is already registered.
func (r *Registry) Register(tag string, fn DecodeFunc) {
	if tag == "" {
		panic("outbox: registering decoder with empty event tag")
	}
	if fn == nil {
		panic(fmt.Sprintf("outbox: registering nil decoder for event tag %q", tag))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.decoders[tag]; ok {
		panic(fmt.Sprintf("outbox: decoder for event tag %q already registered", tag))
	}
	r.decoders[tag] = fn
}

// Decode decodes the payload of rec with the decoder registered for its event tag.
// Failures, including unknown tags, are returned as *DecodeError.
func (r *Registry) Decode(rec *Record) (any, error) {
	r.mu.RLock()
	fn, ok := r.decoders[rec.EventTag]
	r.mu.RUnlock()

	if !ok {
		return nil, &DecodeError{Record: *rec, Err: ErrUnknownEventTag}
	}

	v, err := fn(rec.Payload)
	if err != nil {
		return nil, &DecodeError{Record: *rec, Err: err}
	}
	return v, nil
}

// Tags returns the registered event tags in lexical order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.decoders))
	for tag := range r.decoders {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

type validator interface {
	Validate() error
}

// RegisterJSON registers a strict JSON decoder for T under tag.
// Unknown fields are rejected and, when T has a Validate method, the decoded value must pass it.
func RegisterJSON[T any](r *Registry, tag string) {
	r.Register(tag, func(payload []byte) (any, error) {
		var v T

		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("unmarshalling %s payload: %w", tag, err)
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("unmarshalling %s payload: %w", tag, errTrailingData)
		}

		if val, ok := any(&v).(validator); ok {
			if err := val.Validate(); err != nil {
				return nil, fmt.Errorf("validating %s payload: %w", tag, err)
			}
		}
		return v, nil
	})
}
