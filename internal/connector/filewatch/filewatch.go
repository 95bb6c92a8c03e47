// Package filewatch is the degenerate file-watching Connector (C2): it
// watches a directory for "ent*.json" drop files, each holding one order,
// and has no status-tracking or driver-mapping concept.
//
// Grounded on cds_logs_listener_worker.py (watchdog on_created handler
// filtering by filename prefix/suffix, a brief settle delay before reading
// to avoid racing a writer still flushing the file) and cds_strategy.py
// (the CdsOrder -> Order field mapping, including the six-field
// dash-separated address format and the generated internal id since this
// source never supplies one).
package filewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"velidesync/internal/connector"
	"velidesync/internal/errkind"
	"velidesync/internal/idgen"
	"velidesync/internal/logging"
	"velidesync/internal/model"

	"github.com/fsnotify/fsnotify"
)

const (
	filenamePrefix = "ent"
	filenameSuffix = ".json"
	settleDelay    = 100 * time.Millisecond
)

// rawOrder is the on-disk JSON shape this source drops into the watched
// directory, field-for-field with CdsOrder.
type rawOrder struct {
	CustomerName    string `json:"nome_cliente"`
	Address         string `json:"endereco"`
	CreatedAt       string `json:"horario_pedido"`
	CustomerContact string `json:"contato_cliente"`
	Complement      string `json:"complemento"`
	Reference       string `json:"referencia"`
}

// Config is the filewatch connector's tunables.
type Config struct {
	FolderToWatch string
}

// Connector implements connector.Connector over a watched directory.
type Connector struct {
	cfg    Config
	events connector.Events

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ connector.Connector = (*Connector)(nil)

func New(cfg Config, events connector.Events) *Connector {
	return &Connector{cfg: cfg, events: events, stopCh: make(chan struct{})}
}

func (c *Connector) Start(ctx context.Context) error {
	info, err := os.Stat(c.cfg.FolderToWatch)
	if err != nil || !info.IsDir() {
		return errkind.New(errkind.Permanent, "filewatch.Start", fmt.Errorf("invalid watch folder %q", c.cfg.FolderToWatch))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errkind.New(errkind.Transient, "filewatch.Start", err)
	}
	if err := watcher.Add(c.cfg.FolderToWatch); err != nil {
		watcher.Close()
		return errkind.New(errkind.Transient, "filewatch.Start", err)
	}
	c.watcher = watcher

	c.wg.Add(1)
	go c.loop(ctx)

	logging.Infof("filewatch: monitoring %s for new orders", c.cfg.FolderToWatch)
	return nil
}

func (c *Connector) Stop() {
	close(c.stopCh)
	if c.watcher != nil {
		c.watcher.Close()
	}
	c.wg.Wait()
}

func (c *Connector) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			c.handleCreate(event.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("filewatch: watcher error: %v", err)
			if c.events.ErrorOccurred != nil {
				c.events.ErrorOccurred(err)
			}
		}
	}
}

func (c *Connector) handleCreate(path string) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, filenamePrefix) || !strings.HasSuffix(name, filenameSuffix) {
		return
	}
	logging.Debugf("filewatch: candidate order file %s", name)

	// A brief settle delay avoids reading a file the producer is still
	// writing to.
	time.Sleep(settleDelay)

	order, err := parseOrderFile(path)
	if err != nil {
		logging.Errorf("filewatch: failed to read/parse %s: %v", name, err)
		if c.events.ErrorOccurred != nil {
			c.events.ErrorOccurred(err)
		}
		return
	}

	if c.events.OrdersReceived != nil {
		c.events.OrdersReceived([]model.Order{order})
	}
}

func parseOrderFile(path string) (model.Order, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Order{}, errkind.New(errkind.Transient, "filewatch.parseOrderFile.read", err)
	}

	var raw rawOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Order{}, errkind.New(errkind.Permanent, "filewatch.parseOrderFile.decode", err)
	}

	createdAt, err := time.Parse(time.RFC3339, raw.CreatedAt)
	if err != nil {
		createdAt = time.Now()
		logging.Warnf("filewatch: unparseable horario_pedido %q, defaulting to now", raw.CreatedAt)
	}

	address, neighbourhood := splitAddress(raw.Address)

	return model.Order{
		// This source never supplies its own id, so one is generated
		// client-side, mirroring cds_strategy.py's str(uuid.uuid4()).
		InternalID:      idgen.NewCorrelationID(),
		CustomerName:    raw.CustomerName,
		CustomerContact: raw.CustomerContact,
		Address:         address,
		Address2:        raw.Complement,
		Neighbourhood:   neighbourhood,
		Reference:       raw.Reference,
		CreatedAt:       createdAt,
		Status:          model.StatusPending,
	}, nil
}

// splitAddress parses the " - "-delimited address format this source uses;
// only the full six-field form carries a neighbourhood at index 2.
func splitAddress(raw string) (address, neighbourhood string) {
	parts := strings.Split(raw, " - ")
	if len(parts) == 0 {
		return raw, ""
	}
	address = parts[0]
	if len(parts) == 6 {
		neighbourhood = parts[2]
	} else {
		logging.Warnf("filewatch: address %q does not match the expected six-field format", raw)
	}
	return address, neighbourhood
}

func (c *Connector) MarkDeliveryInRoute(ctx context.Context, internalID, deliverymanID string) error {
	return nil
}

func (c *Connector) MarkDeliveryDone(ctx context.Context, internalID string) error {
	return nil
}

func (c *Connector) NeedsDriverMapping() bool { return false }

func (c *Connector) ListLocalDrivers(ctx context.Context) ([]model.LocalDriver, error) {
	return nil, nil
}

// This source has no local tracking/status concept, so every cloud-side
// callback is a no-op, mirroring cds_strategy.py's on_delivery_added/
// on_delivery_failed ("Just ignore it").
func (c *Connector) OnDeliveryAdded(ctx context.Context, internalID, externalID string) error {
	return nil
}

func (c *Connector) OnDeliveryFailed(ctx context.Context, internalID string) error { return nil }

func (c *Connector) OnDeliveryDeleted(ctx context.Context, order model.Order) error { return nil }

func (c *Connector) OnDeliveryRouteStarted(ctx context.Context, order model.Order, deliverymanExternalID string) error {
	return nil
}

func (c *Connector) OnDeliveryRouteEnded(ctx context.Context, order model.Order) error { return nil }
