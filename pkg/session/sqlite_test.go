// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/okodu/switchboard/pkg/errors"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	created, err := store.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "s1" {
		t.Fatalf("unexpected session: %+v", created)
	}

	if err := store.Pin(ctx, "s1", "agent-a"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	got, err := store.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PinnedAgentID != "agent-a" {
		t.Fatalf("pin not persisted: %+v", got)
	}

	for _, content := range []string{"alpha", "beta", "gamma"} {
		if err := store.AppendTurn(ctx, "s1", NewTurn("user", "", content)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	turns, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 3 || turns[0].Content != "alpha" || turns[2].Content != "gamma" {
		t.Fatalf("unexpected history: %+v", turns)
	}

	last, err := store.History(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("history limit: %v", err)
	}
	if len(last) != 2 || last[0].Content != "beta" || last[1].Content != "gamma" {
		t.Fatalf("unexpected limited history: %+v", last)
	}
}

func TestSQLiteStoreUnknownSession(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Pin(ctx, "missing", "agent-a"); !errors.IsCode(err, errors.CodeSessionError) {
		t.Fatalf("pin: got %v", err)
	}
	if err := store.AppendTurn(ctx, "missing", NewTurn("user", "", "hi")); !errors.IsCode(err, errors.CodeSessionError) {
		t.Fatalf("append: got %v", err)
	}
	if _, err := store.History(ctx, "missing", 0); !errors.IsCode(err, errors.CodeSessionError) {
		t.Fatalf("history: got %v", err)
	}
}

func TestSQLiteStoreDelete(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.AppendTurn(ctx, "s1", NewTurn("user", "", "hi")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.History(ctx, "s1", 0); !errors.IsCode(err, errors.CodeSessionError) {
		t.Fatalf("expected session error after delete, got %v", err)
	}
}

func TestSQLiteStoreSweepIdle(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	current := time.Now()
	store.now = func() time.Time { return current }

	if _, err := store.GetOrCreate(ctx, "stale"); err != nil {
		t.Fatalf("create: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if _, err := store.GetOrCreate(ctx, "fresh"); err != nil {
		t.Fatalf("create: %v", err)
	}

	removed, err := store.SweepIdle(ctx, time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.History(ctx, "stale", 0); !errors.IsCode(err, errors.CodeSessionError) {
		t.Fatalf("stale session survived sweep: %v", err)
	}
	if _, err := store.History(ctx, "fresh", 0); err != nil {
		t.Fatalf("fresh session evicted: %v", err)
	}
}
