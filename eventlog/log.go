package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/billfold/billfold"
)

// maxCommitAttempts bounds the reload-and-reapply loop on version conflicts.
// Reducers are pure, so reapplying against the fresh head is equivalent to
// having serialized the calls.
const maxCommitAttempts = 3

// An Actor identifies who is causing an event. The log records the principal
// but performs no authorization; that is the caller's job.
type Actor struct {
	PrincipalID string
}

// A Log is the event log store for one aggregate type. It validates payloads,
// folds them into the current projection with a composed reducer, and commits
// event plus projection atomically under optimistic concurrency.
type Log[S any] struct {
	storage  Storage
	reduce   billfold.Reducer[S]
	registry *billfold.PayloadRegistry
	marshal  billfold.Marshaler[S, *S]
	now      func() time.Time
	log      billfold.Logger
}

// New creates a Log over the given storage, reducer, and payload registry.
func New[S any](storage Storage, reduce billfold.Reducer[S], registry *billfold.PayloadRegistry, opts ...Option[S]) (*Log[S], error) {
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	if reduce == nil {
		return nil, errors.New("reducer is required")
	}
	if registry == nil {
		return nil, errors.New("payload registry is required")
	}

	l := &Log[S]{
		storage:  storage,
		reduce:   reduce,
		registry: registry,
		marshal:  billfold.JSONMarshaler[S]{},
		now:      time.Now,
		log:      billfold.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	return l, nil
}

// Apply validates the payload, folds it into the aggregate's current state,
// and commits the new event together with the updated projection. It returns
// the reducer's output: the new state, or nil when the event tombstoned the
// aggregate.
//
// Applying any event to a deleted aggregate fails with ErrInvalidTransition
// and writes nothing. Duplicate application of the same logical event is not
// idempotent; retry-on-timeout belongs to the caller.
func (l *Log[S]) Apply(ctx context.Context, aggregateID string, payload billfold.Payload, actor Actor, opts ...ApplyOption) (*S, error) {
	if aggregateID == "" {
		return nil, billfold.NewValidationError().Add("aggregateId", "must not be empty")
	}
	if actor.PrincipalID == "" {
		return nil, billfold.NewValidationError().Add("principalId", "must not be empty")
	}
	if payload == nil {
		return nil, billfold.NewValidationError().Add("payload", "must not be nil")
	}
	if !l.registry.Known(payload.EventKind()) {
		return nil, billfold.NewValidationError().Add("payload.type", fmt.Sprintf("unknown event kind %q", payload.EventKind()))
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	applyOpts := newApplyOptions(opts)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serializing payload: %w", err)
	}

	for attempt := 1; ; attempt++ {
		next, err := l.applyOnce(ctx, aggregateID, payload, data, actor, applyOpts)
		if errors.Is(err, billfold.ErrVersionConflict) && attempt < maxCommitAttempts {
			l.log.Debug("commit lost version race, reapplying",
				"aggregate_id", aggregateID, "attempt", attempt)
			continue
		}
		return next, err
	}
}

func (l *Log[S]) applyOnce(ctx context.Context, aggregateID string, payload billfold.Payload, data []byte, actor Actor, opts applyOptions) (*S, error) {
	head, err := l.storage.LoadHead(ctx, aggregateID, opts.tx)
	if err != nil {
		return nil, fmt.Errorf("loading stream head: %w", err)
	}
	if head.Deleted {
		return nil, fmt.Errorf("aggregate %s is deleted: %w", aggregateID, billfold.ErrInvalidTransition)
	}

	var prev *S
	if head.Snapshot != nil {
		prev = new(S)
		if err := l.marshal.Unmarshal(head.Snapshot, prev); err != nil {
			return nil, fmt.Errorf("deserializing snapshot: %w", err)
		}
	}

	evt := billfold.Event{
		AggregateID: aggregateID,
		Version:     head.Version + 1,
		Payload:     payload,
		PrincipalID: actor.PrincipalID,
		Timestamp:   l.stamp(head.LastTimestamp),
	}

	next, err := l.reduce(prev, evt)
	if err != nil {
		return nil, err
	}

	commit := Commit{
		Event: Recorded{
			AggregateID: aggregateID,
			Version:     evt.Version,
			Kind:        payload.EventKind(),
			Data:        data,
			PrincipalID: actor.PrincipalID,
			Timestamp:   evt.Timestamp,
		},
	}
	if next != nil {
		snapshot, err := l.marshal.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("serializing snapshot: %w", err)
		}
		commit.Snapshot = snapshot
	}

	if err := l.storage.Commit(ctx, aggregateID, head.Version, commit, opts.tx); err != nil {
		if errors.Is(err, billfold.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("committing event: %w", err)
	}

	l.log.Debug("applied event",
		"aggregate_id", aggregateID,
		"kind", payload.EventKind(),
		"version", evt.Version,
		"tombstone", next == nil)

	return next, nil
}

// stamp produces a logical timestamp that never moves backwards within a
// stream, even if the wall clock does.
func (l *Log[S]) stamp(last time.Time) time.Time {
	now := l.now().UTC()
	if now.Before(last) {
		return last
	}
	return now
}

// State returns the aggregate's current projection, or nil when the aggregate
// is absent or deleted.
func (l *Log[S]) State(ctx context.Context, aggregateID string) (*S, error) {
	head, err := l.storage.LoadHead(ctx, aggregateID, TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("loading stream head: %w", err)
	}
	if head.Snapshot == nil {
		return nil, nil
	}

	state := new(S)
	if err := l.marshal.Unmarshal(head.Snapshot, state); err != nil {
		return nil, fmt.Errorf("deserializing snapshot: %w", err)
	}
	return state, nil
}

// History returns the aggregate's full ordered event history with payloads
// decoded. Intended for audit and debugging.
func (l *Log[S]) History(ctx context.Context, aggregateID string) ([]billfold.Event, error) {
	recorded, err := l.storage.ReadEvents(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}

	events := make([]billfold.Event, len(recorded))
	for i, rec := range recorded {
		payload, err := l.registry.Decode(rec.Kind, rec.Data, json.Unmarshal)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", rec.Version, err)
		}
		events[i] = billfold.Event{
			AggregateID: rec.AggregateID,
			Version:     rec.Version,
			Payload:     payload,
			PrincipalID: rec.PrincipalID,
			Timestamp:   rec.Timestamp,
		}
	}
	return events, nil
}

// Find returns projections matching the query, decoded.
func (l *Log[S]) Find(ctx context.Context, q Query) ([]*S, error) {
	snapshots, err := l.storage.QuerySnapshots(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}

	states := make([]*S, len(snapshots))
	for i, snapshot := range snapshots {
		state := new(S)
		if err := l.marshal.Unmarshal(snapshot, state); err != nil {
			return nil, fmt.Errorf("deserializing snapshot: %w", err)
		}
		states[i] = state
	}
	return states, nil
}
