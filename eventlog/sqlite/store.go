// Package sqlite provides a SQLite-backed eventlog.Storage using the CGO-free
// modernc.org/sqlite driver. Events are an append-only table; projections are
// one row per aggregate, written in the same transaction as the event.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/billfold/billfold"
	"github.com/billfold/billfold/eventlog"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store is a SQLite-backed event log and projection store.
type Store struct {
	sqlDB *sql.DB
}

var _ eventlog.Storage = (*Store)(nil)

// Open opens (or creates) a store at the provided path and applies embedded
// migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := runMigrations(sqlDB, migrationsFS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying SQLite database. Nil-safe so callers can defer
// it in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// db resolves the querier for a call: the caller's transaction when one was
// supplied, the pooled connection otherwise.
func (s *Store) db(opts eventlog.TxOptions) (querier, error) {
	if opts.Tx == nil {
		return s.sqlDB, nil
	}
	tx, ok := opts.Tx.(*sql.Tx)
	if !ok {
		return nil, fmt.Errorf("unsupported transaction handle %T, want *sql.Tx", opts.Tx)
	}
	return tx, nil
}

// LoadHead implements eventlog.Storage.
func (s *Store) LoadHead(ctx context.Context, aggregateID string, opts eventlog.TxOptions) (eventlog.Head, error) {
	q, err := s.db(opts)
	if err != nil {
		return eventlog.Head{}, err
	}

	var (
		head    eventlog.Head
		deleted int64
		lastTS  int64
	)
	err = q.QueryRowContext(ctx,
		`SELECT version, deleted, last_timestamp FROM streams WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&head.Version, &deleted, &lastTS)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.Head{}, nil
	}
	if err != nil {
		return eventlog.Head{}, fmt.Errorf("load stream head: %w", err)
	}
	head.Deleted = deleted != 0
	head.LastTimestamp = fromMillis(lastTS)

	var snapshot []byte
	err = q.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&snapshot)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eventlog.Head{}, fmt.Errorf("load snapshot: %w", err)
	}
	head.Snapshot = snapshot

	return head, nil
}

// Commit implements eventlog.Storage. When no external transaction is
// supplied, the append and the projection write share a store-managed one.
func (s *Store) Commit(ctx context.Context, aggregateID string, expectVersion int64, c eventlog.Commit, opts eventlog.TxOptions) error {
	if opts.Tx != nil {
		q, err := s.db(opts)
		if err != nil {
			return err
		}
		return commitIn(ctx, q, aggregateID, expectVersion, c)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := commitIn(ctx, tx, aggregateID, expectVersion, c); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func commitIn(ctx context.Context, q querier, aggregateID string, expectVersion int64, c eventlog.Commit) error {
	newVersion := expectVersion + 1
	deleted := 0
	if c.Snapshot == nil {
		deleted = 1
	}

	if expectVersion == 0 {
		_, err := q.ExecContext(ctx,
			`INSERT INTO streams (aggregate_id, version, deleted, last_timestamp) VALUES (?, ?, ?, ?)`,
			aggregateID, newVersion, deleted, toMillis(c.Event.Timestamp))
		if isConstraintError(err) {
			return fmt.Errorf("stream %s already exists: %w", aggregateID, billfold.ErrVersionConflict)
		}
		if err != nil {
			return fmt.Errorf("insert stream: %w", err)
		}
	} else {
		res, err := q.ExecContext(ctx,
			`UPDATE streams SET version = ?, deleted = ?, last_timestamp = ? WHERE aggregate_id = ? AND version = ?`,
			newVersion, deleted, toMillis(c.Event.Timestamp), aggregateID, expectVersion)
		if err != nil {
			return fmt.Errorf("advance stream: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance stream: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("stream %s moved past version %d: %w", aggregateID, expectVersion, billfold.ErrVersionConflict)
		}
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO events (aggregate_id, version, kind, principal_id, timestamp, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		aggregateID, c.Event.Version, c.Event.Kind, c.Event.PrincipalID, toMillis(c.Event.Timestamp), c.Event.Data)
	if isConstraintError(err) {
		return fmt.Errorf("event %d for stream %s already appended: %w", c.Event.Version, aggregateID, billfold.ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if c.Snapshot == nil {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM snapshots WHERE aggregate_id = ?`, aggregateID); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
		return nil
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO snapshots (aggregate_id, data) VALUES (?, ?)
		 ON CONFLICT (aggregate_id) DO UPDATE SET data = excluded.data`,
		aggregateID, c.Snapshot); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ReadEvents implements eventlog.Storage.
func (s *Store) ReadEvents(ctx context.Context, aggregateID string) ([]eventlog.Recorded, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT aggregate_id, version, kind, principal_id, timestamp, payload
		 FROM events WHERE aggregate_id = ? ORDER BY version ASC`,
		aggregateID)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []eventlog.Recorded
	for rows.Next() {
		var (
			rec eventlog.Recorded
			ts  int64
		)
		if err := rows.Scan(&rec.AggregateID, &rec.Version, &rec.Kind, &rec.PrincipalID, &ts, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Timestamp = fromMillis(ts)
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

// QuerySnapshots implements eventlog.Storage. Filters match top-level JSON
// fields of the stored projection via json_extract; results are ordered by
// aggregate id for stable pagination.
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
		clauses = append(clauses, fmt.Sprintf("json_extract(data, '$.%s') = ?", field))
		args = append(args, q.Equals[field])
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY aggregate_id ASC"

	limit := q.Limit
	if limit == 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
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

// safeJSONField restricts query fields to plain identifiers so they can be
// spliced into a json_extract path.
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

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// runMigrations executes embedded migrations at most once per file.
func runMigrations(sqlDB *sql.DB, migrations fs.FS) error {
	const createSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`
	if _, err := sqlDB.Exec(createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var count int
		if err := sqlDB.QueryRow(
			`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, name,
		).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		content, err := fs.ReadFile(migrations, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}
