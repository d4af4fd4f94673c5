package eventlog

import (
	"context"
	"errors"
	"time"
)

// ErrAggregateNotFound is returned by read operations when no stream exists
// for the requested aggregate id.
var ErrAggregateNotFound = errors.New("aggregate not found")

// A Recorded event is the stored form of an event: the payload serialized,
// the stream position assigned.
type Recorded struct {
	AggregateID string
	Version     int64
	Kind        string
	Data        []byte
	PrincipalID string
	Timestamp   time.Time
}

// Head is the current position of one aggregate's stream.
type Head struct {
	// Version is the number of events appended so far (0 = stream absent).
	Version int64

	// Snapshot is the serialized projection, or nil when the aggregate is
	// absent or deleted.
	Snapshot []byte

	// Deleted marks a tombstoned stream: events exist, projection removed.
	Deleted bool

	// LastTimestamp is the timestamp of the most recent event, used to keep
	// logical time non-decreasing within the stream.
	LastTimestamp time.Time
}

// A Commit is one event together with the projection it produced. A nil
// Snapshot deletes the projection and tombstones the stream.
type Commit struct {
	Event    Recorded
	Snapshot []byte
}

// A Query selects projections by exact field value, for listing. Keys are
// top-level JSON field names within the stored snapshot.
type Query struct {
	Equals map[string]string
	Limit  int
	Offset int
}

// TxOptions carries an externally supplied transaction handle through to the
// storage layer, so an event application can land atomically with changes to
// related documents. The concrete type is storage-specific (*sql.Tx for the
// sqlite store, pgx.Tx for the postgres store); a nil Tx means the store
// manages its own transaction.
type TxOptions struct {
	Tx any
}

// Storage persists event streams and their projections. The event log and the
// projection are distinct tables: the log is append-only, the projection is
// one overwritten document per aggregate.
//
// Commit must be conditional on the stream version: if the stream advanced
// past expectVersion, it fails with billfold.ErrVersionConflict and writes
// nothing. This is the linearizability guarantee for a single aggregate; a
// blind read-then-write is a defect.
type Storage interface {
	// LoadHead returns the stream head for an aggregate. An absent stream is
	// a zero Head, not an error.
	LoadHead(ctx context.Context, aggregateID string, opts TxOptions) (Head, error)

	// Commit appends one event and overwrites (or deletes) the projection,
	// atomically, conditional on the stream being at expectVersion.
	Commit(ctx context.Context, aggregateID string, expectVersion int64, c Commit, opts TxOptions) error

	// ReadEvents returns the full ordered event history for an aggregate.
	// Audit and debugging only, never a hot-path read.
	ReadEvents(ctx context.Context, aggregateID string) ([]Recorded, error)

	// QuerySnapshots returns serialized projections matching the query, in a
	// stable order.
	QuerySnapshots(ctx context.Context, q Query) ([][]byte, error)
}
