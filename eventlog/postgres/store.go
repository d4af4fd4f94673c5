// Package postgres provides a PostgreSQL-backed eventlog.Storage on pgx.
// The schema mirrors the sqlite store: an append-only events table plus one
// JSONB projection row per aggregate, advanced under a conditional write on
// the stream version.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/billfold/billfold"
	"github.com/billfold/billfold/eventlog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL error code for unique constraint failures.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed event log and projection store.
type Store struct {
	pool *pgxpool.Pool
}

var _ eventlog.Storage = (*Store)(nil)

// Connect opens a connection pool for the given DSN and ensures the schema
// exists.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS streams (
    aggregate_id   TEXT PRIMARY KEY,
    version        BIGINT NOT NULL,
    deleted        BOOLEAN NOT NULL DEFAULT FALSE,
    last_timestamp TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
);
CREATE TABLE IF NOT EXISTS events (
    aggregate_id TEXT        NOT NULL,
    version      BIGINT      NOT NULL,
    kind         TEXT        NOT NULL,
    principal_id TEXT        NOT NULL,
    timestamp    TIMESTAMPTZ NOT NULL,
    payload      JSONB       NOT NULL,
    PRIMARY KEY (aggregate_id, version)
);
CREATE TABLE IF NOT EXISTS snapshots (
    aggregate_id TEXT PRIMARY KEY,
    data         JSONB NOT NULL
);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) db(opts eventlog.TxOptions) (querier, error) {
	if opts.Tx == nil {
		return s.pool, nil
	}
	tx, ok := opts.Tx.(pgx.Tx)
	if !ok {
		return nil, fmt.Errorf("unsupported transaction handle %T, want pgx.Tx", opts.Tx)
	}
	return tx, nil
}

// LoadHead implements eventlog.Storage.
func (s *Store) LoadHead(ctx context.Context, aggregateID string, opts eventlog.TxOptions) (eventlog.Head, error) {
	q, err := s.db(opts)
	if err != nil {
		return eventlog.Head{}, err
	}

	var head eventlog.Head
	err = q.QueryRow(ctx,
		`SELECT version, deleted, last_timestamp FROM streams WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&head.Version, &head.Deleted, &head.LastTimestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return eventlog.Head{}, nil
	}
	if err != nil {
		return eventlog.Head{}, fmt.Errorf("load stream head: %w", err)
	}
	head.LastTimestamp = head.LastTimestamp.UTC()

	var snapshot []byte
	err = q.QueryRow(ctx,
		`SELECT data FROM snapshots WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&snapshot)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return eventlog.Head{}, fmt.Errorf("load snapshot: %w", err)
	}
	head.Snapshot = snapshot

	return head, nil
}

// Commit implements eventlog.Storage.
func (s *Store) Commit(ctx context.Context, aggregateID string, expectVersion int64, c eventlog.Commit, opts eventlog.TxOptions) error {
	if opts.Tx != nil {
		q, err := s.db(opts)
		if err != nil {
			return err
		}
		return commitIn(ctx, q, aggregateID, expectVersion, c)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := commitIn(ctx, tx, aggregateID, expectVersion, c); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func commitIn(ctx context.Context, q querier, aggregateID string, expectVersion int64, c eventlog.Commit) error {
	newVersion := expectVersion + 1
	deleted := c.Snapshot == nil

	if expectVersion == 0 {
		_, err := q.Exec(ctx,
			`INSERT INTO streams (aggregate_id, version, deleted, last_timestamp) VALUES ($1, $2, $3, $4)`,
			aggregateID, newVersion, deleted, c.Event.Timestamp)
		if isUniqueViolation(err) {
			return fmt.Errorf("stream %s already exists: %w", aggregateID, billfold.ErrVersionConflict)
		}
		if err != nil {
			return fmt.Errorf("insert stream: %w", err)
		}
	} else {
		tag, err := q.Exec(ctx,
			`UPDATE streams SET version = $1, deleted = $2, last_timestamp = $3 WHERE aggregate_id = $4 AND version = $5`,
			newVersion, deleted, c.Event.Timestamp, aggregateID, expectVersion)
		if err != nil {
			return fmt.Errorf("advance stream: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("stream %s moved past version %d: %w", aggregateID, expectVersion, billfold.ErrVersionConflict)
		}
	}

	_, err := q.Exec(ctx,
		`INSERT INTO events (aggregate_id, version, kind, principal_id, timestamp, payload) VALUES ($1, $2, $3, $4, $5, $6)`,
		aggregateID, c.Event.Version, c.Event.Kind, c.Event.PrincipalID, c.Event.Timestamp, c.Event.Data)
	if isUniqueViolation(err) {
		return fmt.Errorf("event %d for stream %s already appended: %w", c.Event.Version, aggregateID, billfold.ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if c.Snapshot == nil {
		if _, err := q.Exec(ctx,
			`DELETE FROM snapshots WHERE aggregate_id = $1`, aggregateID); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
		return nil
	}

	if _, err := q.Exec(ctx,
		`INSERT INTO snapshots (aggregate_id, data) VALUES ($1, $2)
		 ON CONFLICT (aggregate_id) DO UPDATE SET data = excluded.data`,
		aggregateID, c.Snapshot); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ReadEvents implements eventlog.Storage.
func (s *Store) ReadEvents(ctx context.Context, aggregateID string) ([]eventlog.Recorded, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT aggregate_id, version, kind, principal_id, timestamp, payload
		 FROM events WHERE aggregate_id = $1 ORDER BY version ASC`,
		aggregateID)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []eventlog.Recorded
	for rows.Next() {
		var rec eventlog.Recorded
		if err := rows.Scan(&rec.AggregateID, &rec.Version, &rec.Kind, &rec.PrincipalID, &rec.Timestamp, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		events = append(events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	if events == nil {
		return nil, eventlog.ErrAggregateNotFound
	}
	return events, nil
}

// QuerySnapshots implements eventlog.Storage.
func (s *Store) QuerySnapshots(ctx context.Context, q eventlog.Query) ([][]byte, error) {
	query := `SELECT data FROM snapshots`
	var (
		clauses []string
		args    []any
	)

	fields := make([]string, 0, len(q.Equals))
	for field := range q.Equals {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		if !safeJSONField(field) {
			return nil, fmt.Errorf("invalid query field %q", field)
		}
		args = append(args, q.Equals[field])
		clauses = append(clauses, fmt.Sprintf("data->>'%s' = $%d", field, len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY aggregate_id ASC"

	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	args = append(args, q.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	return snapshots, nil
}

func safeJSONField(field string) bool {
	if field == "" {
		return false
	}
	for _, r := range field {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
