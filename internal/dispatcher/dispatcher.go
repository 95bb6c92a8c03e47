// Package dispatcher implements the Dispatcher (C4): a single-writer FIFO
// queue of mutating cloud operations (ADD/DELETE) with retry, retry-time
// reconciliation, and the cancel-before-send optimization.
//
// Grounded on deliveries_dispatcher.py's queue/worker split (here collapsed
// onto one goroutine draining a mutex-guarded slice queue woken by a
// sync.Cond, since Go has no GUI-thread
// constraint forcing a separate worker pool) and on
// delivery_reconciliation_strategy.py for the retry-time reconciliation
// hook.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"velidesync/internal/cloudclient"
	"velidesync/internal/errkind"
	"velidesync/internal/logging"
	"velidesync/internal/metrics"
	"velidesync/internal/model"
)

type taskType int

const (
	taskAdd taskType = iota
	taskDelete
)

type task struct {
	kind       taskType
	internalID string
	order      model.Order
	externalID string // DELETE only
	inFlight   bool
}

// RetryPolicy configures backoff and retry-time reconciliation, mirroring
// spec section 4.4.1/4.4.2's configurable parameters.
type RetryPolicy struct {
	BaseDelay        time.Duration
	Factor           float64
	MaxAttempts      int
	ReconcileEnabled bool
	ReconcileDelay   time.Duration
	ReconcileMax     int
	ReconcileWindow  float64 // seconds
}

// DefaultRetryPolicy matches spec section 4.4's stated defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:        time.Second,
		Factor:           2,
		MaxAttempts:      3,
		ReconcileEnabled: true,
		ReconcileDelay:   3 * time.Second,
		ReconcileMax:     2,
		ReconcileWindow:  300,
	}
}

// Events is the set of typed outcomes the Dispatcher emits. The
// orchestrator (C7) is the sole subscriber, matching the "components never
// call each other directly except C1/C4" wiring rule.
type Events struct {
	DeliverySuccess  func(internalID, externalID string, resp model.DeliveryResponse)
	DeletionSuccess  func(internalID, externalID string)
	TaskFailed       func(internalID, errMsg string)
}

// Dispatcher is the Dispatcher (C4).
type Dispatcher struct {
	client *cloudclient.Client
	policy RetryPolicy
	events Events

	mu      sync.Mutex
	queue   []*task
	cond    *sync.Cond
	current *task

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Dispatcher. Call Start to begin processing.
func New(client *cloudclient.Client, policy RetryPolicy, events Events) *Dispatcher {
	d := &Dispatcher{
		client: client,
		policy: policy,
		events: events,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start runs the single-writer processing loop until Stop is called. ctx is
// handed to every cloud call; cancelling it does not by itself end the loop.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop signals the processing loop to exit and waits for it to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.doneCh
}

// EnqueueAdd appends an ADD task to the tail of the queue. It is a no-op
// once Stop has been called.
func (d *Dispatcher) EnqueueAdd(internalID string, order model.Order) {
	d.mu.Lock()
	select {
	case <-d.stopCh:
		d.mu.Unlock()
		return
	default:
	}
	d.queue = append(d.queue, &task{kind: taskAdd, internalID: internalID, order: order})
	d.cond.Broadcast()
	metrics.DispatcherQueueDepth.Set(float64(len(d.queue)))
	d.mu.Unlock()
}

// EnqueueDelete appends a DELETE task to the tail of the queue. It is a
// no-op once Stop has been called.
func (d *Dispatcher) EnqueueDelete(internalID, externalID string) {
	d.mu.Lock()
	select {
	case <-d.stopCh:
		d.mu.Unlock()
		return
	default:
	}
	d.queue = append(d.queue, &task{kind: taskDelete, internalID: internalID, externalID: externalID})
	d.cond.Broadcast()
	metrics.DispatcherQueueDepth.Set(float64(len(d.queue)))
	d.mu.Unlock()
}

// CancelPendingAdd removes a not-yet-sent ADD task for internalID from the
// queue. Returns false if no such pending task exists (already in flight or
// completed), implementing the cancel-before-send optimization.
func (d *Dispatcher) CancelPendingAdd(internalID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, t := range d.queue {
		if t.kind == taskAdd && t.internalID == internalID && !t.inFlight {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			metrics.DispatcherQueueDepth.Set(float64(len(d.queue)))
			return true
		}
	}
	return false
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)
	for {
		t := d.waitForNext()
		if t == nil {
			return
		}
		d.process(ctx, t)
	}
}

func (d *Dispatcher) waitForNext() *task {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 {
		select {
		case <-d.stopCh:
			return nil
		default:
		}
		d.cond.Wait()
		select {
		case <-d.stopCh:
			return nil
		default:
		}
	}
	t := d.queue[0]
	d.queue = d.queue[1:]
	t.inFlight = true
	d.current = t
	metrics.DispatcherQueueDepth.Set(float64(len(d.queue)))
	return t
}

func (d *Dispatcher) process(ctx context.Context, t *task) {
	defer func() {
		d.mu.Lock()
		d.current = nil
		d.mu.Unlock()
	}()

	switch t.kind {
	case taskAdd:
		d.processAdd(ctx, t)
	case taskDelete:
		d.processDelete(ctx, t)
	}
}

func (d *Dispatcher) processAdd(ctx context.Context, t *task) {
	var lastErr error
	var reconcileCount int

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		// Reconciliation only makes sense after a timeout: a 5xx, 429, or
		// connection-reset means the cloud side never started processing the
		// mutation, but a timeout means the request may have landed and the
		// response was simply lost, so it's the one failure mode worth
		// checking the snapshot for before blindly retrying the ADD.
		if attempt >= 2 && d.policy.ReconcileEnabled && reconcileCount < d.policy.ReconcileMax && errkind.Is(lastErr, errkind.Timeout) {
			reconcileCount++
			select {
			case <-time.After(d.policy.ReconcileDelay):
			case <-d.stopCh:
				return
			}
			resp, rerr := d.client.FindDeliveryByMetadata(ctx, t.order, d.policy.ReconcileWindow)
			if rerr != nil {
				logging.Warnf("dispatcher: reconciliation lookup failed for %s: %v", t.internalID, rerr)
			} else if resp != nil {
				logging.Infof("dispatcher: reconciled ADD for %s to existing delivery %s", t.internalID, resp.ID)
				metrics.DispatcherReconciliationHitsTotal.Inc()
				metrics.DispatcherTaskResultTotal.WithLabelValues("add", "success").Inc()
				if d.events.DeliverySuccess != nil {
					d.events.DeliverySuccess(t.internalID, resp.ID, *resp)
				}
				return
			}
		}

		resp, err := d.client.AddDelivery(ctx, t.order)
		if err == nil {
			metrics.DispatcherTaskResultTotal.WithLabelValues("add", "success").Inc()
			if d.events.DeliverySuccess != nil {
				d.events.DeliverySuccess(t.internalID, resp.ID, resp)
			}
			return
		}
		lastErr = err

		if !isRetryable(err) {
			break
		}
		if attempt < d.policy.MaxAttempts {
			backoff := scaledBackoff(d.policy.BaseDelay, d.policy.Factor, attempt)
			select {
			case <-time.After(backoff):
			case <-d.stopCh:
				return
			}
		}
	}

	metrics.DispatcherTaskResultTotal.WithLabelValues("add", "failed").Inc()
	if d.events.TaskFailed != nil {
		d.events.TaskFailed(t.internalID, lastErr.Error())
	}
}

func (d *Dispatcher) processDelete(ctx context.Context, t *task) {
	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		err := d.client.DeleteDelivery(ctx, t.externalID)
		if err == nil {
			metrics.DispatcherTaskResultTotal.WithLabelValues("delete", "success").Inc()
			if d.events.DeletionSuccess != nil {
				d.events.DeletionSuccess(t.internalID, t.externalID)
			}
			return
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		if attempt < d.policy.MaxAttempts {
			backoff := scaledBackoff(d.policy.BaseDelay, d.policy.Factor, attempt)
			select {
			case <-time.After(backoff):
			case <-d.stopCh:
				return
			}
		}
	}
	metrics.DispatcherTaskResultTotal.WithLabelValues("delete", "failed").Inc()
	if d.events.TaskFailed != nil {
		d.events.TaskFailed(t.internalID, lastErr.Error())
	}
}

// isRetryable implements spec section 4.4.1: retry on transient errors
// only (timeouts, transport errors, 5xx/429); never on validation, parse,
// or other 4xx errors.
func isRetryable(err error) bool {
	return errkind.Retryable(errkind.KindOf(err))
}

func scaledBackoff(base time.Duration, factor float64, attempt int) time.Duration {
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	return time.Duration(d)
}
