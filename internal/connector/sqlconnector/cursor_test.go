package sqlconnector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCursorStateTransitionsToSteadyStateOnCommit(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newCursorState(start)
	if c.isSteadyState() {
		t.Fatalf("fresh cursor should start in time-mode")
	}

	c.preparePending(42)
	if c.isSteadyState() {
		t.Fatalf("pending id should not advance steady state before commit")
	}
	c.commit()
	if !c.isSteadyState() {
		t.Fatalf("expected steady state after commit")
	}
	if *c.lastLogID != 42 {
		t.Fatalf("expected lastLogID 42, got %v", *c.lastLogID)
	}
}

func TestCursorStateRollbackDiscardsPending(t *testing.T) {
	c := newCursorState(time.Now())
	c.preparePending(99)
	c.rollback()
	if c.isSteadyState() {
		t.Fatalf("rollback must not advance steady state")
	}
	if c.pendingLogID != nil {
		t.Fatalf("rollback must clear pending id")
	}
}

func TestFileCursorStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cursor.json")
	store := newFileCursorStore(path)
	ctx := context.Background()

	rec, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for missing file, got %+v", rec)
	}

	id := int64(7)
	want := &cursorRecord{LastLogID: &id, LastCheckTime: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || *got.LastLogID != 7 || !got.LastCheckTime.Equal(want.LastCheckTime) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestRedisCursorStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := newRedisCursorStore(client, "velidesync-test", 5*time.Second)
	ctx := context.Background()

	rec, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load missing key: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for unset key, got %+v", rec)
	}

	id := int64(13)
	want := &cursorRecord{LastLogID: &id, LastCheckTime: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || *got.LastLogID != 13 || !got.LastCheckTime.Equal(want.LastCheckTime) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}

	if mr.Exists(store.leaseKey) {
		t.Fatalf("lease key should be released after a successful save")
	}
}

func TestRedisCursorStoreSaveFailsWhileLeaseHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := newRedisCursorStore(client, "velidesync-test", 5*time.Second)
	ctx := context.Background()

	if err := mr.Set(store.leaseKey, "1"); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	id := int64(1)
	if err := store.Save(ctx, &cursorRecord{LastLogID: &id}); err == nil {
		t.Fatalf("expected save to fail while another writer holds the lease")
	}
}
