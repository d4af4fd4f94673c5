// Package memory provides an in-memory eventlog.Storage, for tests and
// examples.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/billfold/billfold"
	"github.com/billfold/billfold/eventlog"
)

// Store keeps event streams and projections in process memory. Safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

type stream struct {
	events   []eventlog.Recorded
	snapshot []byte
	deleted  bool
}

var _ eventlog.Storage = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{streams: make(map[string]*stream)}
}

// LoadHead implements eventlog.Storage.
func (s *Store) LoadHead(_ context.Context, aggregateID string, opts eventlog.TxOptions) (eventlog.Head, error) {
	if opts.Tx != nil {
		return eventlog.Head{}, fmt.Errorf("memory store does not support external transactions")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[aggregateID]
	if !ok {
		return eventlog.Head{}, nil
	}

	head := eventlog.Head{
		Version: int64(len(st.events)),
		Deleted: st.deleted,
	}
	if len(st.events) > 0 {
		head.LastTimestamp = st.events[len(st.events)-1].Timestamp
	}
	if st.snapshot != nil {
		head.Snapshot = append([]byte(nil), st.snapshot...)
	}
	return head, nil
}

// Commit implements eventlog.Storage.
func (s *Store) Commit(_ context.Context, aggregateID string, expectVersion int64, c eventlog.Commit, opts eventlog.TxOptions) error {
	if opts.Tx != nil {
		return fmt.Errorf("memory store does not support external transactions")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[aggregateID]
	if !ok {
		st = &stream{}
		s.streams[aggregateID] = st
	}

	if int64(len(st.events)) != expectVersion {
		return fmt.Errorf("stream %s at version %d, expected %d: %w",
			aggregateID, len(st.events), expectVersion, billfold.ErrVersionConflict)
	}

	rec := c.Event
	rec.Data = append([]byte(nil), c.Event.Data...)
	st.events = append(st.events, rec)

	if c.Snapshot == nil {
		st.snapshot = nil
		st.deleted = true
	} else {
		st.snapshot = append([]byte(nil), c.Snapshot...)
		st.deleted = false
	}
	return nil
}

// ReadEvents implements eventlog.Storage.
func (s *Store) ReadEvents(_ context.Context, aggregateID string) ([]eventlog.Recorded, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[aggregateID]
	if !ok {
		return nil, eventlog.ErrAggregateNotFound
	}

	events := make([]eventlog.Recorded, len(st.events))
	for i, rec := range st.events {
		events[i] = rec
		events[i].Data = append([]byte(nil), rec.Data...)
	}
	return events, nil
}

// QuerySnapshots implements eventlog.Storage. Results are ordered by
// aggregate id for stable pagination.
func (s *Store) QuerySnapshots(_ context.Context, q eventlog.Query) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.streams))
	for id, st := range s.streams {
		if st.snapshot != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var matches [][]byte
	for _, id := range ids {
		snapshot := s.streams[id].snapshot
		ok, err := matchesQuery(snapshot, q.Equals)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, append([]byte(nil), snapshot...))
		}
	}

	return paginate(matches, q.Offset, q.Limit), nil
}

func matchesQuery(snapshot []byte, equals map[string]string) (bool, error) {
	if len(equals) == 0 {
		return true, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(snapshot, &doc); err != nil {
		return false, fmt.Errorf("decoding snapshot: %w", err)
	}
	for field, want := range equals {
		got, ok := doc[field].(string)
		if !ok || got != want {
			return false, nil
		}
	}
	return true, nil
}

func paginate(matches [][]byte, offset, limit int) [][]byte {
	if offset >= len(matches) {
		return nil
	}
	matches = matches[offset:]
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches
}
