// Package connector defines the Connector (C2) contract: the plug-in point
// through which an ERP source feeds normalized Orders into the
// synchronization core and receives write-backs for remote status changes.
// sqlconnector (Firebird reference) and filewatch (degenerate, file-based)
// are the two implementations this repository ships.
package connector

import (
	"context"

	"velidesync/internal/model"
)

// Events is the set of typed outputs a Connector emits toward the
// orchestrator (C7). OrdersReceived fires with a batch of newly ingested
// orders; OrderCancelled fires when the connector's own status polling
// detects a remote-side state the core should reflect upstream.
type Events struct {
	OrdersReceived func(orders []model.Order)
	// OrderCancelled fires when the connector's status poll detects the ERP
	// side cancelled an order it had already reserved or bound. externalID
	// is "" if the order was never bound to a cloud delivery yet.
	OrderCancelled func(internalID, externalID string)
	ErrorOccurred  func(err error)
}

// Connector is the contract every ERP source must satisfy (spec section
// 4.2). A single Start launches whatever background loops the implementation
// has (sqlconnector: ingest and status-tracking; filewatch: one watcher),
// and write-back arrives through the Mark*/On* methods below.
type Connector interface {
	// Start begins all of the connector's background loops and returns once
	// they are launched, without blocking. It is called once; neither
	// implementation guards against a second call.
	Start(ctx context.Context) error

	// Stop halts every loop and releases resources. Must be safe to call
	// even if Start failed partway through.
	Stop()

	// MarkDeliveryInRoute writes back to the ERP source that internalID's
	// delivery has started its route, driven by deliverymanID.
	MarkDeliveryInRoute(ctx context.Context, internalID, deliverymanID string) error

	// MarkDeliveryDone writes back that internalID's delivery completed.
	MarkDeliveryDone(ctx context.Context, internalID string) error

	// NeedsDriverMapping reports whether this connector exposes a driver
	// roster that Driver Mapping (C9) can pair against (true for
	// sqlconnector, false for filewatch which has no deliveryman concept).
	NeedsDriverMapping() bool

	// ListLocalDrivers returns the ERP's current deliveryman roster, used
	// by the Driver Mapping startup pairing heuristic. Returns an empty
	// slice if NeedsDriverMapping is false.
	ListLocalDrivers(ctx context.Context) ([]model.LocalDriver, error)

	// OnDeliveryAdded is called once the cloud side has confirmed it
	// accepted internalID as externalID. Implementations that track their
	// own local status (sqlconnector) persist the binding; sources with no
	// local tracking concept (filewatch) no-op this.
	OnDeliveryAdded(ctx context.Context, internalID, externalID string) error

	// OnDeliveryFailed is called when the cloud side rejected internalID
	// outright (never accepted), so the connector can release whatever
	// reservation it placed on the id while the push was in flight.
	OnDeliveryFailed(ctx context.Context, internalID string) error

	// OnDeliveryDeleted is called when the cloud side reports the delivery
	// was removed after having been accepted.
	OnDeliveryDeleted(ctx context.Context, order model.Order) error

	// OnDeliveryRouteStarted is called when the cloud side reports a
	// deliveryman started the route for order, identified there by
	// deliverymanExternalID.
	OnDeliveryRouteStarted(ctx context.Context, order model.Order, deliverymanExternalID string) error

	// OnDeliveryRouteEnded is called when the cloud side reports order was
	// delivered.
	OnDeliveryRouteEnded(ctx context.Context, order model.Order) error
}
