package orchestrator

import (
	"context"
	"testing"

	"velidesync/internal/clock"
	"velidesync/internal/dispatcher"
	"velidesync/internal/model"
	"velidesync/internal/tracking"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

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

type fakeConnector struct {
	addedInternal, addedExternal string
	failedInternal               string
	deletedOrder                 model.Order
	routeStartedOrder            model.Order
	routeEndedOrder               model.Order
	store                         *tracking.Store
}

func (f *fakeConnector) Start(ctx context.Context) error { return nil }
func (f *fakeConnector) Stop()                           {}
func (f *fakeConnector) MarkDeliveryInRoute(ctx context.Context, internalID, deliverymanID string) error {
	return nil
}
func (f *fakeConnector) MarkDeliveryDone(ctx context.Context, internalID string) error { return nil }
func (f *fakeConnector) NeedsDriverMapping() bool                                      { return false }
func (f *fakeConnector) ListLocalDrivers(ctx context.Context) ([]model.LocalDriver, error) {
	return nil, nil
}
func (f *fakeConnector) OnDeliveryAdded(ctx context.Context, internalID, externalID string) error {
	f.addedInternal, f.addedExternal = internalID, externalID
	return nil
}
func (f *fakeConnector) OnDeliveryFailed(ctx context.Context, internalID string) error {
	f.failedInternal = internalID
	f.store.Release(internalID)
	return nil
}
func (f *fakeConnector) OnDeliveryDeleted(ctx context.Context, order model.Order) error {
	f.deletedOrder = order
	return nil
}
func (f *fakeConnector) OnDeliveryRouteStarted(ctx context.Context, order model.Order, deliverymanExternalID string) error {
	f.routeStartedOrder = order
	return nil
}
func (f *fakeConnector) OnDeliveryRouteEnded(ctx context.Context, order model.Order) error {
	f.routeEndedOrder = order
	return nil
}

func TestOnDeliverySuccessRegistersAndNotifiesConnector(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Reserve("int-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	conn := &fakeConnector{store: store}

	o := New()
	o.Attach(Deps{Store: store, Connector: conn})

	o.OnDeliverySuccess("int-1", "ext-1", model.DeliveryResponse{})

	status, ok := store.GetStatus("int-1")
	if !ok || status != model.StatusAdded {
		t.Fatalf("expected status ADICIONADO, got %v (tracked=%v)", status, ok)
	}
	if conn.addedInternal != "int-1" || conn.addedExternal != "ext-1" {
		t.Fatalf("connector was not notified: %+v", conn)
	}
}

func TestOnTaskFailedReleasesReservation(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Reserve("int-2"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	conn := &fakeConnector{store: store}

	o := New()
	o.Attach(Deps{Store: store, Connector: conn})

	o.OnTaskFailed("int-2", "cloud rejected the delivery")

	if conn.failedInternal != "int-2" {
		t.Fatalf("connector.OnDeliveryFailed was not called for int-2")
	}
	if store.IsTracked("int-2") {
		t.Fatalf("expected int-2 to be released from tracking, still tracked")
	}
}

func TestOnOrderCancelledMarksCancelledWhenNotBound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Reserve("int-3"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	conn := &fakeConnector{store: store}

	// An empty dispatcher has nothing queued, so CancelPendingAdd returns
	// false for any id and the cancellation falls through to the
	// no-external-id branch.
	d := dispatcher.New(nil, dispatcher.DefaultRetryPolicy(), dispatcher.Events{})

	o := New()
	o.Attach(Deps{Store: store, Connector: conn, Dispatcher: d})

	o.OnOrderCancelled("int-3", "")

	status, ok := store.GetStatus("int-3")
	if !ok || status != model.StatusCancelled {
		t.Fatalf("expected CANCELADA, got %v (tracked=%v)", status, ok)
	}
}
