// Package tracking implements the Tracking Store (C1): a durable map of
// TrackingRecords keyed by canonical internal_id, with a hot in-memory
// cache. Grounded on tracking_persistence_service.py's cache-aside design
// (status cache + id map, normalize-on-every-entry, the register race-fix)
// and on this codebase's models/recorder/record.go GORM-repo idiom for the
// persistence side, retargeted from MySQL rows to SQLite.
package tracking

import (
	"context"
	"sync"
	"time"

	"velidesync/internal/clock"
	"velidesync/internal/errkind"
	"velidesync/internal/internalid"
	"velidesync/internal/logging"
	"velidesync/internal/metrics"
	"velidesync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the Tracking Store (C1). The in-memory cache is protected by a
// single RWMutex; persistent writes are issued synchronously from whichever
// goroutine calls the mutating method (register/update/reserve/release all
// take the lock for their full duration, so "single-writer" per spec's
// per-key total order falls out of the mutex rather than a separate writer
// goroutine — with SQLite's single-file backing store there is no
// connection-pool parallelism to exploit by decoupling the two).
type Store struct {
	db    *gorm.DB
	clock clock.Clock

	mu         sync.RWMutex
	statusCache map[string]model.Status
	idMap       map[string]string // internal -> external
	extToInt    map[string]string // external -> internal
	createdAt   map[string]time.Time

	hydrated     bool
	hydratedOnce sync.Once
	hydratedCh   chan struct{}
}

// New constructs a Store bound to db. Call Hydrate before serving traffic.
func New(db *gorm.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		db:          db,
		clock:       clk,
		statusCache: make(map[string]model.Status),
		idMap:       make(map[string]string),
		extToInt:    make(map[string]string),
		createdAt:   make(map[string]time.Time),
		hydratedCh:  make(chan struct{}),
	}
}

// Migrate creates the DeliveryMapping table (and its updated_at trigger) if
// absent, per spec section 6.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&model.TrackingRecord{}); err != nil {
		return errkind.New(errkind.Persistence, "tracking.Migrate", err)
	}
	trigger := `
CREATE TRIGGER IF NOT EXISTS trg_delivery_mapping_updated_at
AFTER UPDATE ON DeliveryMapping
FOR EACH ROW
BEGIN
	UPDATE DeliveryMapping SET updated_at = CURRENT_TIMESTAMP WHERE external_delivery_id = NEW.external_delivery_id;
END;`
	if err := s.db.WithContext(ctx).Exec(trigger).Error; err != nil {
		return errkind.New(errkind.Persistence, "tracking.Migrate", err)
	}
	return nil
}

// Hydrate loads all persisted records into the in-memory cache. Idempotent:
// a second call is a no-op. Blocks mutating calls until done via the same
// lock every other operation uses.
func (s *Store) Hydrate(ctx context.Context) error {
	var outErr error
	s.hydratedOnce.Do(func() {
		start := s.clock.Now()
		var rows []model.TrackingRecord
		s.mu.Lock()
		if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
			s.mu.Unlock()
			outErr = errkind.New(errkind.Persistence, "tracking.Hydrate", err)
			return
		}

		for _, r := range rows {
			norm := internalid.Normalize(r.InternalID)
			s.statusCache[norm] = r.Status
			if r.ExternalID != "" {
				s.idMap[norm] = r.ExternalID
				s.extToInt[r.ExternalID] = norm
			}
			s.createdAt[norm] = r.CreatedAt
		}
		s.mu.Unlock()

		metrics.TrackingHydrateSeconds.Observe(s.clock.Now().Sub(start).Seconds())
		s.refreshActiveGauge()
		logging.Infof("tracking: hydrated %d records", len(rows))
		s.hydrated = true
		close(s.hydratedCh)
	})
	return outErr
}

// HydratedCh is closed once hydration completes, for callers that want to
// wait on the one-shot "hydrated" notification from spec section 4.7.
func (s *Store) HydratedCh() <-chan struct{} { return s.hydratedCh }

// refreshActiveGauge recomputes the non-terminal record count. Callers must
// not hold s.mu.
func (s *Store) refreshActiveGauge() {
	s.mu.RLock()
	n := 0
	for _, st := range s.statusCache {
		if !st.Terminal() {
			n++
		}
	}
	s.mu.RUnlock()
	metrics.TrackingActiveRecords.Set(float64(n))
}

// Reserve optimistically claims internalID against races. Succeeds iff no
// record currently exists for the normalized id.
func (s *Store) Reserve(rawID interface{}) (bool, error) {
	id := internalid.Normalize(rawID)

	s.mu.Lock()
	if _, exists := s.statusCache[id]; exists {
		s.mu.Unlock()
		return false, nil
	}
	s.statusCache[id] = model.StatusPending
	s.createdAt[id] = s.clock.Now()
	s.mu.Unlock()

	s.refreshActiveGauge()
	return true, nil
}

// Release rolls back a reservation. Only removes the entry when it is still
// reserved (present in the status cache but absent from the id map) —
// releasing a bound record would silently lose the external-id linkage.
func (s *Store) Release(rawID interface{}) {
	id := internalid.Normalize(rawID)

	s.mu.Lock()
	released := false
	if _, cached := s.statusCache[id]; cached {
		if _, bound := s.idMap[id]; !bound {
			delete(s.statusCache, id)
			delete(s.createdAt, id)
			released = true
		}
	}
	s.mu.Unlock()

	if released {
		s.refreshActiveGauge()
	}
}

// Register promotes a reserved record to bound, persisting it. If the cache
// has already advanced the status past PENDING (a concurrent status update
// won the race), the advanced status is persisted instead of the caller's,
// per the section 4.1 advancement rule grounded in
// tracking_persistence_service.py's register_new_delivery.
func (s *Store) Register(ctx context.Context, rawID interface{}, externalID string, callerStatus model.Status) error {
	id := internalid.Normalize(rawID)

	s.mu.Lock()
	final := callerStatus
	if cached, ok := s.statusCache[id]; ok && cached != model.StatusPending {
		final = cached
	}
	createdAt, ok := s.createdAt[id]
	if !ok {
		createdAt = s.clock.Now()
	}

	rec := model.TrackingRecord{
		InternalID: id,
		ExternalID: externalID,
		Status:     final,
		CreatedAt:  createdAt,
		UpdatedAt:  s.clock.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_delivery_id"}},
		DoNothing: true,
	}).Create(&rec).Error
	if err != nil {
		s.mu.Unlock()
		return errkind.New(errkind.Persistence, "tracking.Register", err)
	}

	s.statusCache[id] = final
	s.idMap[id] = externalID
	s.extToInt[externalID] = id
	s.mu.Unlock()
	s.refreshActiveGauge()
	return nil
}

// UpdateStatus transitions a bound record and writes through to disk.
func (s *Store) UpdateStatus(ctx context.Context, rawID interface{}, newStatus model.Status, deliverymanID string) error {
	id := internalid.Normalize(rawID)

	s.mu.Lock()
	_, tracked := s.statusCache[id]
	extID := s.idMap[id]

	if !tracked {
		s.mu.Unlock()
		logging.Warnf("tracking: update_status for untracked id %s", id)
		return nil
	}
	if extID == "" {
		s.mu.Unlock()
		logging.Errorf("tracking: integrity error, id %s has no external id bound", id)
		return errkind.New(errkind.DataInvariant, "tracking.UpdateStatus", nil)
	}

	updates := map[string]interface{}{
		"status":     newStatus,
		"updated_at": s.clock.Now(),
	}
	if deliverymanID != "" {
		updates["deliveryman_id"] = deliverymanID
	}
	err := s.db.WithContext(ctx).Model(&model.TrackingRecord{}).
		Where("external_delivery_id = ?", extID).
		Updates(updates).Error
	if err != nil {
		s.mu.Unlock()
		return errkind.New(errkind.Persistence, "tracking.UpdateStatus", err)
	}

	s.statusCache[id] = newStatus
	s.mu.Unlock()
	s.refreshActiveGauge()
	return nil
}

// IsTracked reports whether id currently has a cache entry (reserved or
// bound).
func (s *Store) IsTracked(rawID interface{}) bool {
	id := internalid.Normalize(rawID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.statusCache[id]
	return ok
}

// GetStatus returns the last known status, or ("", false) if untracked.
func (s *Store) GetStatus(rawID interface{}) (model.Status, bool) {
	id := internalid.Normalize(rawID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statusCache[id]
	return st, ok
}

// GetExternalID returns the bound external id, or "" if unbound/untracked.
func (s *Store) GetExternalID(rawID interface{}) string {
	id := internalid.Normalize(rawID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idMap[id]
}

// GetInternalIDByExternal reverses the binding.
func (s *Store) GetInternalIDByExternal(externalID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.extToInt[externalID]
	return id, ok
}

// ActiveRecord is one row of the active-tracking iteration results.
type ActiveRecord struct {
	InternalID string
	ExternalID string
	Status     model.Status
}

// ActiveIDs returns all non-terminal internal ids, the basis for periodic
// status polling.
func (s *Store) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.statusCache))
	for id, st := range s.statusCache {
		if !st.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// SnapshotForReconciler returns every bound, non-terminal record, the input
// to the Reconciler's (C5) periodic diff.
func (s *Store) SnapshotForReconciler() []ActiveRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ActiveRecord, 0, len(s.statusCache))
	for id, st := range s.statusCache {
		if st.Terminal() {
			continue
		}
		ext, bound := s.idMap[id]
		if !bound {
			continue
		}
		out = append(out, ActiveRecord{InternalID: id, ExternalID: ext, Status: st})
	}
	return out
}

// Prune deletes terminal records older than olderThan, removing them from
// both the cache and the persistent store. Returns the count removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	var toDelete []string

	s.mu.Lock()
	for id, st := range s.statusCache {
		if !st.Terminal() {
			continue
		}
		if created, ok := s.createdAt[id]; ok && created.Before(olderThan) {
			toDelete = append(toDelete, id)
		}
	}
	s.mu.Unlock()

	if len(toDelete) == 0 {
		return 0, nil
	}

	if err := s.db.WithContext(ctx).
		Where("internal_delivery_id IN ?", toDelete).
		Delete(&model.TrackingRecord{}).Error; err != nil {
		return 0, errkind.New(errkind.Persistence, "tracking.Prune", err)
	}

	s.mu.Lock()
	for _, id := range toDelete {
		ext := s.idMap[id]
		delete(s.statusCache, id)
		delete(s.idMap, id)
		delete(s.extToInt, ext)
		delete(s.createdAt, id)
	}
	s.mu.Unlock()

	return len(toDelete), nil
}

// LinkIDs binds an already-known (internal, external) pair without issuing
// a cloud call — used for the orchestrator's startup "order_restored" path.
func (s *Store) LinkIDs(rawID interface{}, externalID string, status model.Status) {
	id := internalid.Normalize(rawID)

	s.mu.Lock()
	s.statusCache[id] = status
	if externalID != "" {
		s.idMap[id] = externalID
		s.extToInt[externalID] = id
	}
	if _, ok := s.createdAt[id]; !ok {
		s.createdAt[id] = s.clock.Now()
	}
	s.mu.Unlock()
	s.refreshActiveGauge()
}
