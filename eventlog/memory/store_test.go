package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/billfold/billfold"
	"github.com/billfold/billfold/eventlog"
	"github.com/billfold/billfold/eventlog/memory"
)

func recorded(id string, version int64, kind string) eventlog.Recorded {
	return eventlog.Recorded{
		AggregateID: id,
		Version:     version,
		Kind:        kind,
		Data:        []byte(`{}`),
		PrincipalID: "user-1",
		Timestamp:   time.Date(2026, 3, 1, 12, 0, int(version), 0, time.UTC),
	}
}

func TestCommitAndLoadHead(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	head, err := store.LoadHead(ctx, "a1", eventlog.TxOptions{})
	if err != nil {
		t.Fatalf("load absent head: %v", err)
	}
	if head.Version != 0 || head.Snapshot != nil || head.Deleted {
		t.Fatalf("absent stream should be a zero head, got %+v", head)
	}

	commit := eventlog.Commit{
		Event:    recorded("a1", 1, "thing.created"),
		Snapshot: []byte(`{"n":1}`),
	}
	if err := store.Commit(ctx, "a1", 0, commit, eventlog.TxOptions{}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	head, err = store.LoadHead(ctx, "a1", eventlog.TxOptions{})
	if err != nil {
		t.Fatalf("load head: %v", err)
	}
	if head.Version != 1 {
		t.Errorf("got version %d, want 1", head.Version)
	}
	if string(head.Snapshot) != `{"n":1}` {
		t.Errorf("got snapshot %s, want {\"n\":1}", head.Snapshot)
	}
	if !head.LastTimestamp.Equal(commit.Event.Timestamp) {
		t.Errorf("got last timestamp %v, want %v", head.LastTimestamp, commit.Event.Timestamp)
	}
}

func TestCommitDetectsVersionConflict(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	first := eventlog.Commit{Event: recorded("a1", 1, "thing.created"), Snapshot: []byte(`{}`)}
	if err := store.Commit(ctx, "a1", 0, first, eventlog.TxOptions{}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A writer that loaded the stream before the first commit now tries to
	// append at the stale version.
	stale := eventlog.Commit{Event: recorded("a1", 1, "thing.updated"), Snapshot: []byte(`{}`)}
	err := store.Commit(ctx, "a1", 0, stale, eventlog.TxOptions{})
	if !errors.Is(err, billfold.ErrVersionConflict) {
		t.Fatalf("got %v, want ErrVersionConflict", err)
	}

	events, err := store.ReadEvents(ctx, "a1")
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("conflicting commit must write nothing, got %d events", len(events))
	}
}

func TestTombstoneCommit(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	create := eventlog.Commit{Event: recorded("a1", 1, "thing.created"), Snapshot: []byte(`{}`)}
	if err := store.Commit(ctx, "a1", 0, create, eventlog.TxOptions{}); err != nil {
		t.Fatalf("commit create: %v", err)
	}

	remove := eventlog.Commit{Event: recorded("a1", 2, "thing.removed")}
	if err := store.Commit(ctx, "a1", 1, remove, eventlog.TxOptions{}); err != nil {
		t.Fatalf("commit tombstone: %v", err)
	}

	head, err := store.LoadHead(ctx, "a1", eventlog.TxOptions{})
	if err != nil {
		t.Fatalf("load head: %v", err)
	}
	if !head.Deleted {
		t.Error("expected Deleted flag set")
	}
	if head.Snapshot != nil {
		t.Errorf("expected nil snapshot, got %s", head.Snapshot)
	}
	if head.Version != 2 {
		t.Errorf("got version %d, want 2", head.Version)
	}

	// The event log itself is never truncated.
	events, err := store.ReadEvents(ctx, "a1")
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestReadEventsAbsentStream(t *testing.T) {
	store := memory.NewStore()

	_, err := store.ReadEvents(context.Background(), "nope")
	if !errors.Is(err, eventlog.ErrAggregateNotFound) {
		t.Fatalf("got %v, want ErrAggregateNotFound", err)
	}
}

func TestExternalTransactionsRejected(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	opts := eventlog.TxOptions{Tx: struct{}{}}

	if _, err := store.LoadHead(ctx, "a1", opts); err == nil {
		t.Error("LoadHead accepted an external transaction")
	}
	commit := eventlog.Commit{Event: recorded("a1", 1, "thing.created"), Snapshot: []byte(`{}`)}
	if err := store.Commit(ctx, "a1", 0, commit, opts); err == nil {
		t.Error("Commit accepted an external transaction")
	}
}

func seedSnapshots(t *testing.T, store *memory.Store, n int, owner string) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("a%02d", i)
		commit := eventlog.Commit{
			Event:    recorded(id, 1, "thing.created"),
			Snapshot: []byte(fmt.Sprintf(`{"id":%q,"owner":%q}`, id, owner)),
		}
		if err := store.Commit(context.Background(), id, 0, commit, eventlog.TxOptions{}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func TestQuerySnapshotsFiltersAndPaginates(t *testing.T) {
	store := memory.NewStore()
	seedSnapshots(t, store, 5, "acme")

	other := eventlog.Commit{
		Event:    recorded("b01", 1, "thing.created"),
		Snapshot: []byte(`{"id":"b01","owner":"globex"}`),
	}
	if err := store.Commit(context.Background(), "b01", 0, other, eventlog.TxOptions{}); err != nil {
		t.Fatalf("seed b01: %v", err)
	}

	t.Run("filter by field", func(t *testing.T) {
		got, err := store.QuerySnapshots(context.Background(), eventlog.Query{
			Equals: map[string]string{"owner": "acme"},
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 5 {
			t.Fatalf("got %d snapshots, want 5", len(got))
		}
	})

	t.Run("no matches", func(t *testing.T) {
		got, err := store.QuerySnapshots(context.Background(), eventlog.Query{
			Equals: map[string]string{"owner": "initech"},
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("got %d snapshots, want 0", len(got))
		}
	})

	t.Run("limit and offset", func(t *testing.T) {
		got, err := store.QuerySnapshots(context.Background(), eventlog.Query{
			Equals: map[string]string{"owner": "acme"},
			Limit:  2,
			Offset: 4,
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("got %d snapshots past the offset, want 1", len(got))
		}
		if string(got[0]) != `{"id":"a04","owner":"acme"}` {
			t.Fatalf("got %s, want a04's snapshot", got[0])
		}
	})

	t.Run("offset past end", func(t *testing.T) {
		got, err := store.QuerySnapshots(context.Background(), eventlog.Query{Offset: 100})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("got %d snapshots, want 0", len(got))
		}
	})

	t.Run("tombstoned streams are excluded", func(t *testing.T) {
		remove := eventlog.Commit{Event: recorded("a00", 2, "thing.removed")}
		if err := store.Commit(context.Background(), "a00", 1, remove, eventlog.TxOptions{}); err != nil {
			t.Fatalf("tombstone a00: %v", err)
		}
		got, err := store.QuerySnapshots(context.Background(), eventlog.Query{
			Equals: map[string]string{"owner": "acme"},
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 4 {
			t.Fatalf("got %d snapshots, want 4", len(got))
		}
	})
}
