// Package sqlconnector is the Firebird/Farmax reference Connector (C2):
// two polling loops (ingest, status-tracking) over the ERP's change-log
// table and sale rows, both launched by Start, plus write-back calls made
// on demand by the orchestrator.
//
// Grounded on farmax_delivery_ingestor.py (poll-then-fetch-details with
// exponential-backoff retry and a rollback-on-give-up cursor, acting as a
// dead-letter queue), farmax_status_tracker.py (batch status polling over
// active ids), and farmax_delivery_updater.py (write-back on route
// start/end); teacher's infrastructures/fetcher/fetcher.go for the
// poll-loop-as-goroutine shape.
package sqlconnector

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"velidesync/internal/connector"
	"velidesync/internal/errkind"
	"velidesync/internal/internalid"
	"velidesync/internal/logging"
	"velidesync/internal/metrics"
	"velidesync/internal/model"
	"velidesync/internal/tracking"
)

// Config holds the sqlconnector's tunables, sourced from internal/config's
// ERPConfig and (optionally) RedisConfig.
type Config struct {
	CursorPath          string
	IngestPollInterval  time.Duration
	StatusPollInterval  time.Duration
	StatusBatchSize     int
	DetailRetryAttempts int
	DetailRetryBase     time.Duration

	// RedisClient, when non-nil, moves cursor persistence off the local
	// filesystem and onto a shared Redis key (see cursorStore). Leave nil
	// for the default single-instance file-backed cursor.
	RedisClient     *redis.Client
	RedisKeyPrefix  string
	RedisLeaseTTL   time.Duration
}

// Connector implements connector.Connector against a Firebird database
// reached through the stdlib database/sql interface. The concrete driver
// import (cgo or pure-Go Firebird driver) is the caller's responsibility;
// this package only issues portable SQL through *sql.DB.
type Connector struct {
	db     *sql.DB
	repo   *Repository
	setup  *Setup
	store  *tracking.Store
	cfg    Config
	events connector.Events

	cursorStore cursorStore
	cursor      *cursorState

	ingestTicker *time.Ticker
	statusTicker *time.Ticker

	mu               sync.Mutex
	ingestProcessing bool
	retryCount       int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ connector.Connector = (*Connector)(nil)

// New constructs a sqlconnector Connector.
func New(db *sql.DB, store *tracking.Store, cfg Config, events connector.Events) *Connector {
	var cs cursorStore
	if cfg.RedisClient != nil {
		leaseTTL := cfg.RedisLeaseTTL
		if leaseTTL <= 0 {
			leaseTTL = 15 * time.Second
		}
		cs = newRedisCursorStore(cfg.RedisClient, cfg.RedisKeyPrefix, leaseTTL)
	} else {
		cs = newFileCursorStore(cfg.CursorPath)
	}

	return &Connector{
		db:          db,
		repo:        NewRepository(db),
		setup:       NewSetup(db),
		store:       store,
		cfg:         cfg,
		events:      events,
		cursorStore: cs,
		stopCh:      make(chan struct{}),
	}
}

// Start runs Setup then launches the ingest and status-tracker loops.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.setup.Run(ctx); err != nil {
		return err
	}

	rec, err := c.cursorStore.Load(ctx)
	if err != nil {
		logging.Warnf("sqlconnector: cursor load failed, starting from midnight: %v", err)
	}
	midnight := time.Date(time.Now().Year(), time.Now().Month(), time.Now().Day(), 0, 0, 0, 0, time.Local)
	c.cursor = newCursorState(midnight)
	c.cursor.restoreFrom(rec)

	c.ingestTicker = time.NewTicker(c.cfg.IngestPollInterval)
	c.statusTicker = time.NewTicker(c.cfg.StatusPollInterval)

	c.wg.Add(2)
	go c.ingestLoop(ctx)
	go c.statusLoop(ctx)

	// Immediate first runs, mirroring start()'s eager _execute_poll_cycle.
	go c.runIngestCycle(ctx)
	go c.runStatusCycle(ctx)

	return nil
}

func (c *Connector) Stop() {
	close(c.stopCh)
	if c.ingestTicker != nil {
		c.ingestTicker.Stop()
	}
	if c.statusTicker != nil {
		c.statusTicker.Stop()
	}
	c.wg.Wait()
}

func (c *Connector) ingestLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.ingestTicker.C:
			c.runIngestCycle(ctx)
		}
	}
}

func (c *Connector) statusLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.statusTicker.C:
			c.runStatusCycle(ctx)
		}
	}
}

// runIngestCycle is step 1: poll the log table (time-mode or id-mode),
// then step 2: fetch details for new inserts with retry; the cursor only
// advances once step 2 succeeds.
func (c *Connector) runIngestCycle(ctx context.Context) {
	c.mu.Lock()
	if c.ingestProcessing {
		c.mu.Unlock()
		logging.Debugf("sqlconnector: previous ingest cycle still running, skipping")
		return
	}
	c.ingestProcessing = true
	c.mu.Unlock()

	cycleStart := time.Now()
	defer func() {
		metrics.ConnectorIngestCycleSeconds.Observe(time.Since(cycleStart).Seconds())
	}()

	var logs []DeliveryLog
	var err error
	if c.cursor.isSteadyState() {
		logs, err = c.repo.FetchRecentChangesAfterID(ctx, *c.cursor.lastLogID)
	} else {
		logs, err = c.repo.FetchRecentChangesSince(ctx, c.cursor.lastCheckTime)
	}
	if err != nil {
		logging.Errorf("sqlconnector: log poll failed: %v", err)
		if c.events.ErrorOccurred != nil {
			c.events.ErrorOccurred(err)
		}
		c.mu.Lock()
		c.ingestProcessing = false
		c.mu.Unlock()
		return
	}
	if len(logs) == 0 {
		c.mu.Lock()
		c.ingestProcessing = false
		c.mu.Unlock()
		return
	}

	ids := FilterNewInsertIDs(logs, func(raw interface{}) bool { return c.store.IsTracked(raw) })
	c.cursor.preparePending(HighestLogID(logs))

	if len(ids) == 0 {
		c.cursor.commit()
		c.persistCursor(ctx)
		c.mu.Lock()
		c.ingestProcessing = false
		c.mu.Unlock()
		return
	}

	c.fetchDetailsWithRetry(ctx, ids, 0)
}

func (c *Connector) fetchDetailsWithRetry(ctx context.Context, saleIDs []float64, attempt int) {
	details, err := c.repo.FetchDeliveriesByID(ctx, saleIDs)
	if err != nil {
		if attempt >= c.cfg.DetailRetryAttempts {
			logging.Errorf("sqlconnector: giving up on detail fetch after %d attempts: %v", attempt+1, err)
			metrics.ConnectorCursorRollbacksTotal.Inc()
			c.cursor.rollback()
			c.mu.Lock()
			c.ingestProcessing = false
			c.mu.Unlock()
			return
		}
		delay := c.cfg.DetailRetryBase * time.Duration(1<<uint(attempt))
		logging.Warnf("sqlconnector: detail fetch failed (attempt %d): %v, retrying in %s", attempt+1, err, delay)
		time.AfterFunc(delay, func() { c.fetchDetailsWithRetry(ctx, saleIDs, attempt+1) })
		return
	}

	var orders []model.Order
	for _, d := range details {
		ok, rerr := c.store.Reserve(d.SaleID)
		if rerr != nil || !ok {
			continue
		}
		orders = append(orders, ToOrder(d))
	}

	if len(orders) > 0 {
		metrics.ConnectorIngestOrdersTotal.Add(float64(len(orders)))
		if c.events.OrdersReceived != nil {
			c.events.OrdersReceived(orders)
		}
	}

	c.cursor.commit()
	c.persistCursor(ctx)

	c.mu.Lock()
	c.ingestProcessing = false
	c.mu.Unlock()
}

func (c *Connector) persistCursor(ctx context.Context) {
	if err := c.cursorStore.Save(ctx, c.cursor.snapshot()); err != nil {
		logging.Warnf("sqlconnector: failed to persist cursor: %v", err)
	}
}

// runStatusCycle polls every active id's current ERP status and marks
// orders cancelled or finalized remotely.
func (c *Connector) runStatusCycle(ctx context.Context) {
	ids := c.store.ActiveIDs()
	if len(ids) == 0 {
		return
	}

	saleIDs := make([]float64, 0, len(ids))
	for _, id := range ids {
		saleIDs = append(saleIDs, parseSaleID(id))
	}

	for start := 0; start < len(saleIDs); start += c.cfg.StatusBatchSize {
		end := start + c.cfg.StatusBatchSize
		if end > len(saleIDs) {
			end = len(saleIDs)
		}
		statuses, err := c.repo.FetchSaleStatuses(ctx, saleIDs[start:end])
		if err != nil {
			metrics.ConnectorStatusPollErrorsTotal.Inc()
			logging.Errorf("sqlconnector: status poll failed: %v", err)
			if c.events.ErrorOccurred != nil {
				c.events.ErrorOccurred(err)
			}
			continue
		}
		for _, s := range statuses {
			c.applyRemoteStatus(ctx, s)
		}
	}
}

// applyRemoteStatus mirrors farmax_status_tracker.py: cancellation codes
// mark a bound order CANCELLED locally and notify the orchestrator so it can
// unwind the cloud delivery (an order not yet bound is left for the
// orchestrator to cancel); finalization codes are logged only, since a
// delivery already in route on the cloud side cannot yet be deleted or
// cancelled there, so the cloud confirmation remains authoritative for
// reaching the DELIVERED terminal state.
func (c *Connector) applyRemoteStatus(ctx context.Context, s SaleStatus) {
	internalID := internalid.Normalize(s.SaleID)
	status := strings.ToUpper(strings.TrimSpace(s.Status))

	switch {
	case isCancelledCode(status):
		externalID := c.store.GetExternalID(internalID)
		if externalID != "" {
			if err := c.store.UpdateStatus(ctx, internalID, model.StatusCancelled, ""); err != nil {
				logging.Errorf("sqlconnector: failed to mark %s cancelled: %v", internalID, err)
				return
			}
		}
		if c.events.OrderCancelled != nil {
			c.events.OrderCancelled(internalID, externalID)
		}
	case isFinishedCode(status):
		logging.Warnf("sqlconnector: sale %s finalized in the ERP but not yet delivered via the cloud; waiting for cloud confirmation", internalID)
	}
}

func isCancelledCode(status string) bool {
	return status == "C" || status == "D"
}

func isFinishedCode(status string) bool {
	switch status {
	case "F", "E", "FINALIZADO", "ENTREGUE":
		return true
	default:
		return false
	}
}

// parseSaleID recovers the original Farmax float sale id from the
// canonical internal id string produced by internalid.Normalize.
func parseSaleID(internalID string) float64 {
	f, err := strconv.ParseFloat(internalID, 64)
	if err != nil {
		logging.Errorf("sqlconnector: non-numeric internal id %q for Farmax sale lookup", internalID)
		return 0
	}
	return f
}

func (c *Connector) MarkDeliveryInRoute(ctx context.Context, internalID, deliverymanID string) error {
	saleID := parseSaleID(internalID)
	if err := c.repo.MarkInRoute(ctx, saleID, deliverymanID, time.Now()); err != nil {
		return errkind.New(errkind.Transient, "sqlconnector.MarkDeliveryInRoute", err)
	}
	return nil
}

func (c *Connector) MarkDeliveryDone(ctx context.Context, internalID string) error {
	saleID := parseSaleID(internalID)
	if err := c.repo.MarkDone(ctx, saleID, time.Now()); err != nil {
		return errkind.New(errkind.Transient, "sqlconnector.MarkDeliveryDone", err)
	}
	return nil
}

// OnDeliveryAdded mirrors farmax_strategy.py's on_delivery_added: binds the
// externalID to an internalID the ingest loop already reserved. A delivery
// the local store never saw is logged and otherwise ignored.
func (c *Connector) OnDeliveryAdded(ctx context.Context, internalID, externalID string) error {
	if !c.store.IsTracked(internalID) {
		logging.Warnf("sqlconnector: %s added on the cloud but not found in local tracking", internalID)
		return nil
	}
	return c.store.Register(ctx, internalID, externalID, model.StatusAdded)
}

// OnDeliveryFailed mirrors on_delivery_failed: the cloud rejected the order
// outright, so the reservation placed while the push was in flight is
// released back to the pool.
func (c *Connector) OnDeliveryFailed(ctx context.Context, internalID string) error {
	if internalID == "" {
		return nil
	}
	logging.Warnf("sqlconnector: integration failed for %s, releasing reservation", internalID)
	c.store.Release(internalID)
	return nil
}

// OnDeliveryDeleted mirrors on_delivery_deleted_on_velide: the delivery was
// removed after having been accepted, so it is marked cancelled locally.
func (c *Connector) OnDeliveryDeleted(ctx context.Context, order model.Order) error {
	if err := c.store.UpdateStatus(ctx, order.InternalID, model.StatusCancelled, ""); err != nil {
		return errkind.New(errkind.Persistence, "sqlconnector.OnDeliveryDeleted", err)
	}
	logging.Infof("sqlconnector: delivery %s was deleted on the cloud", order.InternalID)
	return nil
}

// OnDeliveryRouteStarted mirrors on_delivery_route_started_on_velide: marks
// the order in progress locally and writes the route start back to the ERP.
func (c *Connector) OnDeliveryRouteStarted(ctx context.Context, order model.Order, deliverymanExternalID string) error {
	if err := c.store.UpdateStatus(ctx, order.InternalID, model.StatusInProgress, deliverymanExternalID); err != nil {
		return errkind.New(errkind.Persistence, "sqlconnector.OnDeliveryRouteStarted", err)
	}
	return c.MarkDeliveryInRoute(ctx, order.InternalID, deliverymanExternalID)
}

// OnDeliveryRouteEnded mirrors on_delivery_route_ended_on_velide: marks the
// order delivered locally and writes completion back to the ERP.
func (c *Connector) OnDeliveryRouteEnded(ctx context.Context, order model.Order) error {
	if err := c.store.UpdateStatus(ctx, order.InternalID, model.StatusDelivered, ""); err != nil {
		return errkind.New(errkind.Persistence, "sqlconnector.OnDeliveryRouteEnded", err)
	}
	logging.Infof("sqlconnector: order %s delivered via the cloud", order.InternalID)
	return c.MarkDeliveryDone(ctx, order.InternalID)
}

func (c *Connector) NeedsDriverMapping() bool { return true }

func (c *Connector) ListLocalDrivers(ctx context.Context) ([]model.LocalDriver, error) {
	rows, err := c.repo.ListDeliverymen(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.LocalDriver, len(rows))
	for i, r := range rows {
		out[i] = model.LocalDriver{LocalID: r.ID, Name: r.Name}
	}
	return out, nil
}
