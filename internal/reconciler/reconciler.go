// Package reconciler implements the Reconciler (C5): a periodic pull-based
// diff between the cloud's global snapshot and the local Tracking Store
// cache, mediated by a per-id cooldown map so a recent websocket event
// suppresses a redundant pull-based correction for the same delivery.
//
// Grounded on reconciliation_service.py's timer-driven
// trigger_reconciliation/_handle_snapshot_results pair (cooldown bouncer
// map, zombie check, status-mismatch check).
package reconciler

import (
	"context"
	"sync"
	"time"

	"velidesync/internal/clock"
	"velidesync/internal/cloudclient"
	"velidesync/internal/logging"
	"velidesync/internal/metrics"
	"velidesync/internal/model"
	"velidesync/internal/tracking"
)

// Events is the set of typed outcomes the Reconciler emits to the
// orchestrator (C7).
type Events struct {
	DeliveryMissing  func(internalID string)
	DeliveryInRoute  func(internalID, deliverymanID string)
	StatusCorrected  func(internalID string, newStatus model.Status)
}

// Reconciler is the Reconciler (C5).
type Reconciler struct {
	client *cloudclient.Client
	store  *tracking.Store
	events Events
	clock  clock.Clock

	syncInterval time.Duration
	cooldown     time.Duration

	mu        sync.Mutex
	cooldowns map[string]time.Time // external id -> last websocket event time
	running   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Reconciler.
func New(client *cloudclient.Client, store *tracking.Store, events Events, clk clock.Clock, syncInterval, cooldown time.Duration) *Reconciler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Reconciler{
		client:       client,
		store:        store,
		events:       events,
		clock:        clk,
		syncInterval: syncInterval,
		cooldown:     cooldown,
		cooldowns:    make(map[string]time.Time),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// RegisterWebsocketEvent marks externalID as "hot": the next reconciliation
// tick will skip it if within the cooldown window, avoiding a duplicate
// correction racing a just-applied push update.
func (r *Reconciler) RegisterWebsocketEvent(externalID string) {
	r.mu.Lock()
	r.cooldowns[externalID] = r.clock.Now()
	r.mu.Unlock()
}

// Start runs the periodic timer loop until ctx is cancelled or Stop is
// called. An initial tick fires immediately, matching start_service's
// eager first trigger_reconciliation call.
func (r *Reconciler) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.doneCh)

	r.tick(ctx)

	ticker := time.NewTicker(r.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs one reconciliation cycle. A tick already in progress (a slow
// cloud call outliving the interval) causes the new tick to be skipped
// rather than overlapping.
func (r *Reconciler) tick(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		logging.Warnf("reconciler: previous cycle still running, skipping this tick")
		return
	}
	r.running = true
	r.mu.Unlock()

	start := r.clock.Now()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		metrics.ReconcilerCycleSeconds.Observe(r.clock.Now().Sub(start).Seconds())
	}()

	snapshot, err := r.client.GetFullGlobalSnapshot(ctx)
	if err != nil {
		logging.Errorf("reconciler: snapshot fetch failed: %v", err)
		return
	}

	byExternalID := make(map[string]model.DeliveryResponse, len(snapshot.Deliveries))
	for _, d := range snapshot.Deliveries {
		byExternalID[d.ID] = d
	}

	now := r.clock.Now()
	corrections := 0
	active := r.store.SnapshotForReconciler()

	for _, rec := range active {
		if r.withinCooldown(rec.ExternalID, now) {
			continue
		}

		remote, present := byExternalID[rec.ExternalID]
		if !present {
			logging.Warnf("reconciler: delivery %s (internal %s) absent from cloud snapshot, marking missing", rec.ExternalID, rec.InternalID)
			if err := r.store.UpdateStatus(ctx, rec.InternalID, model.StatusMissing, ""); err != nil {
				logging.Errorf("reconciler: failed to mark %s missing: %v", rec.InternalID, err)
				continue
			}
			if r.events.DeliveryMissing != nil {
				r.events.DeliveryMissing(rec.InternalID)
			}
			metrics.ReconcilerCorrectionsTotal.Inc()
			corrections++
			continue
		}

		expected := model.MapRemoteStatus(remote.Status)
		if expected == rec.Status {
			continue
		}

		logging.Warnf("reconciler: status mismatch for %s: local=%s remote=%s, correcting", rec.InternalID, rec.Status, remote.Status)
		if err := r.store.UpdateStatus(ctx, rec.InternalID, expected, remote.DeliverymanID); err != nil {
			logging.Errorf("reconciler: failed to correct %s: %v", rec.InternalID, err)
			continue
		}
		if expected == model.StatusInProgress && remote.DeliverymanID != "" && r.events.DeliveryInRoute != nil {
			r.events.DeliveryInRoute(rec.InternalID, remote.DeliverymanID)
		}
		if r.events.StatusCorrected != nil {
			r.events.StatusCorrected(rec.InternalID, expected)
		}
		metrics.ReconcilerCorrectionsTotal.Inc()
		corrections++
	}

	r.cleanupCooldowns(now)
	logging.Infof("reconciler: cycle complete, %d corrections applied", corrections)
}

func (r *Reconciler) withinCooldown(externalID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.cooldowns[externalID]
	if !ok {
		return false
	}
	return now.Sub(last) < r.cooldown
}

func (r *Reconciler) cleanupCooldowns(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.cooldowns {
		if now.Sub(t) > r.cooldown {
			delete(r.cooldowns, id)
		}
	}
}
