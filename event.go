// Package billfold implements an event-sourced aggregate engine: an
// append-only event log per aggregate, a materialized state projection
// maintained alongside it, and pure reducers that fold events into state.
package billfold

import (
	"fmt"
	"time"
)

// A Payload is the typed body of an event. Each payload kind has a closed,
// validated shape; Validate runs before the event is accepted into the log.
type Payload interface {
	// EventKind returns the tag identifying this payload's shape,
	// e.g. "invoice.created".
	EventKind() string

	// Validate checks the payload's fields against its declared shape.
	// It returns a *ValidationError naming the offending fields, or nil.
	Validate() error
}

// An Event is an immutable fact appended to an aggregate's log.
type Event struct {
	// AggregateID identifies the entity the event applies to.
	AggregateID string

	// Version is the event's position in the aggregate's stream, starting
	// at 1. Assigned at append time.
	Version int64

	// Payload is the validated, typed body of the event.
	Payload Payload

	// PrincipalID identifies who caused the event (a user or system actor).
	PrincipalID string

	// Timestamp is the logical time recorded at append. Timestamps within
	// one stream are non-decreasing.
	Timestamp time.Time
}

// A PayloadRegistry holds the closed set of payload kinds for an aggregate
// type. It decodes stored payload data back into typed payloads and gates
// unknown kinds before they reach the log.
type PayloadRegistry struct {
	prototypes map[string]func() Payload
}

// NewPayloadRegistry creates a registry from payload prototypes. Each
// prototype contributes its kind tag and a factory for decoding.
func NewPayloadRegistry(prototypes ...func() Payload) (*PayloadRegistry, error) {
	r := &PayloadRegistry{prototypes: make(map[string]func() Payload, len(prototypes))}
	for _, prototype := range prototypes {
		kind := prototype().EventKind()
		if _, ok := r.prototypes[kind]; ok {
			return nil, fmt.Errorf("duplicate payload kind %q", kind)
		}
		r.prototypes[kind] = prototype
	}
	return r, nil
}

// Known reports whether kind belongs to the registry's payload set.
func (r *PayloadRegistry) Known(kind string) bool {
	_, ok := r.prototypes[kind]
	return ok
}

// New returns a zero payload of the given kind for decoding into.
func (r *PayloadRegistry) New(kind string) (Payload, error) {
	prototype, ok := r.prototypes[kind]
	if !ok {
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
	return prototype(), nil
}

// Decode unmarshals stored payload data into a typed payload and validates
// it. Events already in the log were validated at append time, so a failure
// here indicates schema drift or corruption.
func (r *PayloadRegistry) Decode(kind string, data []byte, unmarshal func([]byte, any) error) (Payload, error) {
	payload, err := r.New(kind)
	if err != nil {
		return nil, err
	}
	if err := unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("decoding %q payload: %w", kind, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("stored %q payload invalid: %w", kind, err)
	}
	return payload, nil
}
