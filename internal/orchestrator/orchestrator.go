// Package orchestrator implements the Orchestrator (C7): the startup
// sequence and steady-state event router that wires the Tracking Store
// (C1), a Connector (C2), the Cloud Client (C3), the Dispatcher (C4), the
// Reconciler (C5), the Push Channel (C6), the Auth/Token Provider (C8), and
// Driver Mapping (C9) together. No component calls another directly except
// through the orchestrator or the two shared stores (C1, C4), matching the
// "parallel tasks with serialized critical sections" concurrency model.
//
// Grounded on deliveries_service.py's _on_delivery_added/_handle_action/
// _on_reconciliation_result dispatch (the single hub every sub-service
// event funnels through) and on app/recorder/main.go for the overall
// startup/signal/shutdown idiom.
package orchestrator

import (
	"context"
	"time"

	"velidesync/internal/clock"
	"velidesync/internal/cloudclient"
	"velidesync/internal/connector"
	"velidesync/internal/dispatcher"
	"velidesync/internal/drivermap"
	"velidesync/internal/errkind"
	"velidesync/internal/lockfile"
	"velidesync/internal/logging"
	"velidesync/internal/metrics"
	"velidesync/internal/model"
	"velidesync/internal/pushchannel"
	"velidesync/internal/reconciler"
	"velidesync/internal/tracking"
)

// DriverMappingPrompt is invoked at startup when the selected connector
// requires driver mapping and the persisted map does not yet cover every
// currently known local driver. It must block until the operator has
// confirmed (and persisted, via drivermap.Store) a satisfactory mapping;
// the proposals passed in are never auto-committed (spec section 4.9).
type DriverMappingPrompt func(ctx context.Context, locals []model.LocalDriver, remoteNames map[string]string, proposals []drivermap.ProposedPairing) error

// Deps is every collaborator the orchestrator wires together. Components
// that emit events (Dispatcher, Reconciler, Connector, the push Channel)
// must already have been constructed with their Events fields pointing at
// this Orchestrator's handler methods — see New's doc comment for the
// construction order this implies.
type Deps struct {
	LockPath string

	Store   *tracking.Store
	Drivers *drivermap.Store

	GetValidToken func(ctx context.Context) (string, error)

	Connector  connector.Connector
	Client     *cloudclient.Client
	Dispatcher *dispatcher.Dispatcher
	Reconciler *reconciler.Reconciler
	Push       *pushchannel.Channel

	MinPairingScore     float64
	RequireDriverMapping DriverMappingPrompt

	Clock clock.Clock
}

// Orchestrator is the Orchestrator (C7). Construct with New, wire every
// event-emitting collaborator's callbacks to this value's On* methods, call
// Attach with the finished Deps, then Run.
type Orchestrator struct {
	deps Deps
	lock *lockfile.Lock
}

// New returns an Orchestrator with no dependencies attached yet. Collaborators
// that need an event callback (Dispatcher, Reconciler, the push Channel, a
// Connector) should be constructed next, passing this value's bound On*
// methods as their Events fields; only once every collaborator exists
// should Attach be called with the completed Deps, since Attach does not
// itself construct anything.
func New() *Orchestrator {
	return &Orchestrator{}
}

// Attach installs the fully-constructed dependency set. Call once, before Run.
func (o *Orchestrator) Attach(deps Deps) {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.MinPairingScore <= 0 {
		deps.MinPairingScore = 0.5
	}
	o.deps = deps
}

// Run executes the startup sequence (spec section 4.7) and then blocks,
// routing events until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	lock, err := lockfile.Acquire(o.deps.LockPath)
	if err != nil {
		return err
	}
	o.lock = lock
	defer o.lock.Release()

	if err := o.deps.Store.Migrate(ctx); err != nil {
		return err
	}
	if err := o.deps.Drivers.Migrate(ctx); err != nil {
		return err
	}

	if err := o.waitForValidToken(ctx); err != nil {
		return err
	}

	if o.deps.Connector.NeedsDriverMapping() {
		if err := o.gateOnDriverMapping(ctx); err != nil {
			return err
		}
	}

	if err := o.deps.Store.Hydrate(ctx); err != nil {
		return err
	}
	metrics.TrackingActiveRecords.Set(float64(len(o.deps.Store.SnapshotForReconciler())))
	o.restoreActiveOrders()

	if err := o.deps.Connector.Start(ctx); err != nil {
		return errkind.New(errkind.Transient, "orchestrator.Run.connector", err)
	}
	// Push.Run blocks for its whole reconnect-loop lifetime; Dispatcher.Start
	// and Reconciler.Start each already spawn their own loop goroutine and
	// return immediately.
	go o.deps.Push.Run(ctx)
	o.deps.Reconciler.Start(ctx)
	o.deps.Dispatcher.Start(ctx)

	metrics.OrchestratorHealthStatus.Set(1)
	logging.Infof("orchestrator: startup complete, all loops running")

	<-ctx.Done()
	metrics.OrchestratorHealthStatus.Set(0)
	o.deps.Connector.Stop()
	o.deps.Reconciler.Stop()
	o.deps.Dispatcher.Stop()
	return nil
}

// waitForValidToken blocks until C8 reports a usable bearer, polling since
// the initial login/device-flow exchange happens out of process (spec
// section 4.8 scopes that flow out).
func (o *Orchestrator) waitForValidToken(ctx context.Context) error {
	if _, err := o.deps.GetValidToken(ctx); err == nil {
		return nil
	}
	logging.Infof("orchestrator: waiting for a valid bearer token before starting")
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.deps.GetValidToken(ctx); err == nil {
				return nil
			}
		}
	}
}

// gateOnDriverMapping implements spec section 4.9's startup gate: if the
// persisted map already covers every local driver the connector currently
// reports, proceed silently; otherwise block on RequireDriverMapping.
func (o *Orchestrator) gateOnDriverMapping(ctx context.Context) error {
	locals, err := o.deps.Connector.ListLocalDrivers(ctx)
	if err != nil {
		return errkind.New(errkind.Transient, "orchestrator.gateOnDriverMapping.locals", err)
	}

	existing := make(map[string]bool, len(locals))
	unmapped := 0
	for _, l := range locals {
		_, ok, err := o.deps.Drivers.LookupRemote(ctx, l.LocalID)
		if err != nil {
			return err
		}
		existing[l.LocalID] = ok
		if !ok {
			unmapped++
		}
	}

	if unmapped == 0 || o.deps.RequireDriverMapping == nil {
		return nil
	}

	logging.Warnf("orchestrator: %d local driver(s) unmapped, presenting mapping workflow", unmapped)

	var remoteNames map[string]string
	if o.deps.Client != nil {
		names, err := o.deps.Client.ListDeliverymen(ctx)
		if err != nil {
			logging.Errorf("orchestrator: failed to fetch remote deliverymen for pairing proposals: %v", err)
		} else {
			remoteNames = names
		}
	}

	proposals := drivermap.ProposePairings(locals, remoteNames, existing, o.deps.MinPairingScore)
	return o.deps.RequireDriverMapping(ctx, locals, remoteNames, proposals)
}

// restoreActiveOrders mirrors spec section 4.7 step 6: for every hydrated
// record, repopulate whatever state this process keeps in memory. This
// implementation has no UI to repopulate and never calls back to the
// cloud for a restored record, so the step reduces to a log line per
// record — the in-memory cache Hydrate just populated already *is* the
// restoration target.
func (o *Orchestrator) restoreActiveOrders() {
	for _, rec := range o.deps.Store.SnapshotForReconciler() {
		logging.Debugf("orchestrator: restored tracking for %s (external %s, status %s)", rec.InternalID, rec.ExternalID, rec.Status)
	}
}

// --- Connector events -------------------------------------------------

// OnOrdersReceived implements OrderNormalized(order) -> dispatcher.EnqueueAdd.
// Reservation against duplicate ingestion is the connector's own
// responsibility (sqlconnector calls Store.Reserve itself before emitting);
// a connector with no dedup concept of its own, like filewatch, simply
// never collides because every event carries a freshly generated id.
func (o *Orchestrator) OnOrdersReceived(orders []model.Order) {
	for _, order := range orders {
		o.deps.Dispatcher.EnqueueAdd(order.InternalID, order)
	}
}

// OnOrderCancelled implements the OrderCancelled(internal, ext?) routing
// rule: cancel-before-send if still queued, otherwise enqueue a DELETE if
// bound, otherwise just mark cancelled locally. An unbound order has no
// persisted row, so it is marked cancelled in the store's cache only.
func (o *Orchestrator) OnOrderCancelled(internalID, externalID string) {
	if o.deps.Dispatcher.CancelPendingAdd(internalID) {
		o.deps.Store.LinkIDs(internalID, "", model.StatusCancelled)
		return
	}
	if externalID != "" {
		o.deps.Dispatcher.EnqueueDelete(internalID, externalID)
		return
	}
	o.deps.Store.LinkIDs(internalID, "", model.StatusCancelled)
}

func (o *Orchestrator) OnConnectorError(err error) {
	logging.Errorf("orchestrator: connector error: %v", err)
}

// --- Dispatcher events -------------------------------------------------

func (o *Orchestrator) OnDeliverySuccess(internalID, externalID string, resp model.DeliveryResponse) {
	ctx := context.Background()
	if err := o.deps.Store.Register(ctx, internalID, externalID, model.StatusAdded); err != nil {
		logging.Errorf("orchestrator: failed to register %s <-> %s: %v", internalID, externalID, err)
		return
	}
	if err := o.deps.Connector.OnDeliveryAdded(ctx, internalID, externalID); err != nil {
		logging.Errorf("orchestrator: connector OnDeliveryAdded failed for %s: %v", internalID, err)
	}
}

func (o *Orchestrator) OnDeletionSuccess(internalID, externalID string) {
	ctx := context.Background()
	if err := o.deps.Store.UpdateStatus(ctx, internalID, model.StatusCancelled, ""); err != nil {
		logging.Errorf("orchestrator: failed to finalize deletion of %s: %v", internalID, err)
	}
}

// OnTaskFailed implements the TaskFailed routing rule. A task that never
// completed an ADD never acquired an external id, so there is no persisted
// row to transition to FAILED; the correct unwind is the same one
// farmax_strategy.py's on_delivery_failed performs: release the
// reservation so the id can be retried from a clean slate.
func (o *Orchestrator) OnTaskFailed(internalID, errMsg string) {
	ctx := context.Background()
	logging.Warnf("orchestrator: task failed for %s: %s", internalID, errMsg)
	if err := o.deps.Connector.OnDeliveryFailed(ctx, internalID); err != nil {
		logging.Errorf("orchestrator: connector OnDeliveryFailed failed for %s: %v", internalID, err)
	}
}

// --- Reconciler events --------------------------------------------------

// OnDeliveryMissing logs only: the reconciler has already applied the
// MISSING status transition to the store itself.
func (o *Orchestrator) OnDeliveryMissing(internalID string) {
	logging.Warnf("orchestrator: %s missing from the cloud snapshot", internalID)
}

// OnDeliveryInRoute writes the reconciler's IN_PROGRESS correction back to
// the ERP; the store-side status transition already happened in the
// reconciler itself.
func (o *Orchestrator) OnDeliveryInRoute(internalID, deliverymanID string) {
	ctx := context.Background()
	if err := o.deps.Connector.MarkDeliveryInRoute(ctx, internalID, deliverymanID); err != nil {
		logging.Errorf("orchestrator: write-back mark-in-route failed for %s: %v", internalID, err)
	}
}

func (o *Orchestrator) OnStatusCorrected(internalID string, newStatus model.Status) {
	logging.Infof("orchestrator: reconciler corrected %s to %s", internalID, newStatus)
}

// --- Push channel events -------------------------------------------------

// OnPushAction implements spec section 4.6's per-event translation table.
func (o *Orchestrator) OnPushAction(action pushchannel.Action) {
	if action.Delivery == nil {
		return
	}
	o.deps.Reconciler.RegisterWebsocketEvent(action.Delivery.ID)

	internalID, ok := o.deps.Store.GetInternalIDByExternal(action.Delivery.ID)
	if !ok {
		logging.Warnf("orchestrator: push action %s for unknown external id %s", action.ActionType, action.Delivery.ID)
		return
	}

	ctx := context.Background()
	order := model.Order{InternalID: internalID, ExternalID: action.Delivery.ID}

	switch action.ActionType {
	case pushchannel.ActionDeleteDelivery:
		if err := o.deps.Store.UpdateStatus(ctx, internalID, model.StatusCancelled, ""); err != nil {
			logging.Errorf("orchestrator: push DELETE status update failed for %s: %v", internalID, err)
			return
		}
		if err := o.deps.Connector.OnDeliveryDeleted(ctx, order); err != nil {
			logging.Errorf("orchestrator: connector OnDeliveryDeleted failed for %s: %v", internalID, err)
		}
	case pushchannel.ActionStartRoute:
		deliverymanID := ""
		if action.Deliveryman != nil {
			deliverymanID = action.Deliveryman.ID
		}
		if err := o.deps.Store.UpdateStatus(ctx, internalID, model.StatusInProgress, deliverymanID); err != nil {
			logging.Errorf("orchestrator: push START_ROUTE status update failed for %s: %v", internalID, err)
			return
		}
		if err := o.deps.Connector.OnDeliveryRouteStarted(ctx, order, deliverymanID); err != nil {
			logging.Errorf("orchestrator: connector OnDeliveryRouteStarted failed for %s: %v", internalID, err)
		}
	case pushchannel.ActionEndRoute:
		if err := o.deps.Store.UpdateStatus(ctx, internalID, model.StatusDelivered, ""); err != nil {
			logging.Errorf("orchestrator: push END_ROUTE status update failed for %s: %v", internalID, err)
			return
		}
		if err := o.deps.Connector.OnDeliveryRouteEnded(ctx, order); err != nil {
			logging.Errorf("orchestrator: connector OnDeliveryRouteEnded failed for %s: %v", internalID, err)
		}
	default:
		// ADD_DELIVERY / EDIT_DELIVERY_LOCATION: the cooldown registration
		// above is the only action the spec defines for these; the next
		// reconciler tick reconciles any further divergence.
		logging.Debugf("orchestrator: push action %s observed for %s, cooldown registered only", action.ActionType, internalID)
	}
}

func (o *Orchestrator) OnPushState(state pushchannel.State) {
	metrics.PushChannelState.Set(float64(state))
	if state != pushchannel.StateOnline {
		metrics.PushChannelReconnectsTotal.Inc()
	}
}

func (o *Orchestrator) OnLoggedOut() {
	metrics.OrchestratorLoggedOut.Set(1)
	logging.Errorf("orchestrator: token provider logged out, integration is paused until re-authentication")
}
