package drivermap

import (
	"context"
	"testing"

	"velidesync/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestAddAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, "local-1", "remote-1"); err != nil {
		t.Fatalf("add: %v", err)
	}

	remote, ok, err := s.LookupRemote(ctx, "local-1")
	if err != nil || !ok || remote != "remote-1" {
		t.Fatalf("LookupRemote = %q,%v,%v", remote, ok, err)
	}

	local, ok, err := s.LookupLocal(ctx, "remote-1")
	if err != nil || !ok || local != "local-1" {
		t.Fatalf("LookupLocal = %q,%v,%v", local, ok, err)
	}

	if _, ok, _ := s.LookupLocal(ctx, "nonexistent"); ok {
		t.Fatalf("expected miss")
	}
}

func TestAddIgnoresConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, "local-1", "remote-1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(ctx, "local-1", "remote-2"); err != nil {
		t.Fatalf("second add should not error: %v", err)
	}
	remote, _, _ := s.LookupRemote(ctx, "local-1")
	if remote != "remote-1" {
		t.Fatalf("existing mapping should not be overwritten, got %q", remote)
	}
}

func TestAddManyAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddMany(ctx, map[string]string{"l1": "r1", "l2": "r2"}); err != nil {
		t.Fatalf("addmany: %v", err)
	}
	all, err := s.ListAll(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListAll = %d,%v", len(all), err)
	}

	if err := s.Delete(ctx, "l1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.LookupRemote(ctx, "l1"); ok {
		t.Fatalf("l1 should be deleted")
	}
}

func TestProposePairings(t *testing.T) {
	locals := []model.LocalDriver{
		{LocalID: "l1", Name: "Joao Silva"},
		{LocalID: "l2", Name: "Maria Souza"},
	}
	remotes := map[string]string{
		"r1": "joao silva",
		"r2": "pedro santos",
	}

	proposals := ProposePairings(locals, remotes, map[string]bool{}, 0.5)
	if len(proposals) != 1 {
		t.Fatalf("expected 1 proposal above threshold, got %d: %+v", len(proposals), proposals)
	}
	if proposals[0].Local.LocalID != "l1" || proposals[0].RemoteID != "r1" {
		t.Fatalf("unexpected proposal: %+v", proposals[0])
	}
}

func TestProposePairingsSkipsExisting(t *testing.T) {
	locals := []model.LocalDriver{{LocalID: "l1", Name: "Joao Silva"}}
	remotes := map[string]string{"r1": "joao silva"}

	proposals := ProposePairings(locals, remotes, map[string]bool{"l1": true}, 0.1)
	if len(proposals) != 0 {
		t.Fatalf("expected no proposals for already-mapped local id, got %+v", proposals)
	}
}
