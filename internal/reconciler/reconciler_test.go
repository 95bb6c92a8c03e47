package reconciler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"velidesync/internal/clock"
	"velidesync/internal/cloudclient"
	"velidesync/internal/model"
	"velidesync/internal/tracking"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func staticToken(ctx context.Context) (string, error) { return "tok", nil }

func newTestStore(t *testing.T) *tracking.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := tracking.New(db, clock.Real{})
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestTickMarksMissingDeliveryAbsentFromSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Reserve(1)
	store.Register(ctx, 1, "ext-1", model.StatusAdded)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"deliveries":[]}}`))
	}))
	defer srv.Close()
	client := cloudclient.New(srv.URL, "erp", false, time.Second, staticToken)

	missing := make(chan string, 1)
	r := New(client, store, Events{
		DeliveryMissing: func(internalID string) { missing <- internalID },
	}, clock.Real{}, time.Hour, 45*time.Second)

	r.tick(ctx)

	select {
	case id := <-missing:
		if id != "1" {
			t.Fatalf("unexpected internal id: %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected DeliveryMissing event")
	}

	st, _ := store.GetStatus(1)
	if st != model.StatusMissing {
		t.Fatalf("expected status MISSING, got %v", st)
	}
}

func TestTickCorrectsStatusMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Reserve(2)
	store.Register(ctx, 2, "ext-2", model.StatusAdded)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"deliveries":[{"id":"ext-2","status":"ROUTED","deliverymanId":"d1"}]}}`))
	}))
	defer srv.Close()
	client := cloudclient.New(srv.URL, "erp", false, time.Second, staticToken)

	inRoute := make(chan string, 1)
	r := New(client, store, Events{
		DeliveryInRoute: func(internalID, deliverymanID string) { inRoute <- deliverymanID },
	}, clock.Real{}, time.Hour, 45*time.Second)

	r.tick(ctx)

	select {
	case d := <-inRoute:
		if d != "d1" {
			t.Fatalf("unexpected deliveryman id: %s", d)
		}
	case <-time.After(time.Second):
		t.Fatal("expected DeliveryInRoute event")
	}

	st, _ := store.GetStatus(2)
	if st != model.StatusInProgress {
		t.Fatalf("expected status EM_ANDAMENTO, got %v", st)
	}
}

func TestCooldownSuppressesCorrection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Reserve(3)
	store.Register(ctx, 3, "ext-3", model.StatusAdded)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"deliveries":[]}}`))
	}))
	defer srv.Close()
	client := cloudclient.New(srv.URL, "erp", false, time.Second, staticToken)

	frozen := clock.NewFrozen(time.Now())
	r := New(client, store, Events{
		DeliveryMissing: func(internalID string) { t.Fatalf("should not fire under cooldown") },
	}, frozen, time.Hour, 45*time.Second)

	r.RegisterWebsocketEvent("ext-3")
	r.tick(ctx)

	st, _ := store.GetStatus(3)
	if st != model.StatusAdded {
		t.Fatalf("status should be untouched under cooldown, got %v", st)
	}
}
