package tracking

import (
	"context"
	"testing"
	"time"

	"velidesync/internal/clock"
	"velidesync/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *clock.Frozen) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	frozen := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(db, frozen)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s, frozen
}

func TestReserveThenRegister(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Reserve(623604.0)
	if err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}

	ok, _ = s.Reserve("623604")
	if ok {
		t.Fatalf("second reserve of same normalized id should fail")
	}

	if err := s.Register(ctx, "623604.0", "ext-1", model.StatusAdded); err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := s.GetExternalID(623604); got != "ext-1" {
		t.Fatalf("GetExternalID = %q, want ext-1", got)
	}
	st, ok := s.GetStatus(623604)
	if !ok || st != model.StatusAdded {
		t.Fatalf("GetStatus = %v,%v want ADICIONADO,true", st, ok)
	}
}

func TestReleaseOnlyWhenUnbound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Reserve(1)
	s.Release(1)
	if s.IsTracked(1) {
		t.Fatalf("id should be released")
	}

	s.Reserve(2)
	if err := s.Register(ctx, 2, "ext-2", model.StatusAdded); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.Release(2)
	if !s.IsTracked(2) {
		t.Fatalf("bound record must survive Release")
	}
}

func TestRegisterHonorsConcurrentStatusAdvance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Reserve(5)
	// Simulate a concurrent status update winning the race before Register runs.
	s.mu.Lock()
	s.statusCache["5"] = model.StatusInProgress
	s.mu.Unlock()

	if err := s.Register(ctx, 5, "ext-5", model.StatusAdded); err != nil {
		t.Fatalf("register: %v", err)
	}
	st, _ := s.GetStatus(5)
	if st != model.StatusInProgress {
		t.Fatalf("Register should not clobber an already-advanced status, got %v", st)
	}
}

func TestUpdateStatusAndSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Reserve(10)
	if err := s.Register(ctx, 10, "ext-10", model.StatusAdded); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.UpdateStatus(ctx, 10, model.StatusInProgress, "driver-1"); err != nil {
		t.Fatalf("update status: %v", err)
	}

	snap := s.SnapshotForReconciler()
	if len(snap) != 1 || snap[0].Status != model.StatusInProgress {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if err := s.UpdateStatus(ctx, 10, model.StatusDelivered, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if len(s.SnapshotForReconciler()) != 0 {
		t.Fatalf("terminal record should drop out of reconciler snapshot")
	}
	if len(s.ActiveIDs()) != 0 {
		t.Fatalf("terminal record should drop out of active ids")
	}
}

func TestPruneRemovesOldTerminalRecords(t *testing.T) {
	s, frozen := newTestStore(t)
	ctx := context.Background()

	s.Reserve(20)
	if err := s.Register(ctx, 20, "ext-20", model.StatusAdded); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.UpdateStatus(ctx, 20, model.StatusDelivered, ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	frozen.Advance(48 * time.Hour)
	n, err := s.Prune(ctx, frozen.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if s.IsTracked(20) {
		t.Fatalf("pruned id should no longer be tracked")
	}
}

func TestHydrateIsIdempotentAndPopulatesCache(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Reserve(30)
	if err := s.Register(ctx, 30, "ext-30", model.StatusAdded); err != nil {
		t.Fatalf("register: %v", err)
	}

	fresh := New(s.db, clock.Real{})
	if err := fresh.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := fresh.Hydrate(ctx); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if err := fresh.Hydrate(ctx); err != nil {
		t.Fatalf("second hydrate: %v", err)
	}
	if !fresh.IsTracked(30) {
		t.Fatalf("hydrate should have populated cache from db")
	}
}
