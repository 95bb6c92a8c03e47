package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"velidesync/internal/connector"
	"velidesync/internal/model"
)

func TestHandleCreateParsesSixFieldAddress(t *testing.T) {
	dir := t.TempDir()
	var received []model.Order
	c := New(Config{FolderToWatch: dir}, connector.Events{
		OrdersReceived: func(orders []model.Order) { received = append(received, orders...) },
	})

	path := filepath.Join(dir, "ent12345.json")
	content := `{
		"nome_cliente": "Jane Doe",
		"endereco": "Rua A, 123 - apto 4 - Centro - ref1 - ref2 - ref3",
		"horario_pedido": "2026-01-01T10:00:00Z",
		"contato_cliente": "11999999999",
		"complemento": "apto 4",
		"referencia": "perto da praca"
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	c.handleCreate(path)

	if len(received) != 1 {
		t.Fatalf("expected 1 order, got %d", len(received))
	}
	o := received[0]
	if o.Address != "Rua A, 123" {
		t.Fatalf("expected address 'Rua A, 123', got %q", o.Address)
	}
	if o.Neighbourhood != "Centro" {
		t.Fatalf("expected neighbourhood 'Centro', got %q", o.Neighbourhood)
	}
	if o.InternalID == "" {
		t.Fatalf("expected a generated internal id")
	}
}

func TestHandleCreateIgnoresNonMatchingFilenames(t *testing.T) {
	dir := t.TempDir()
	var received []model.Order
	c := New(Config{FolderToWatch: dir}, connector.Events{
		OrdersReceived: func(orders []model.Order) { received = append(received, orders...) },
	})

	path := filepath.Join(dir, "notanorder.txt")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	c.handleCreate(path)
	if len(received) != 0 {
		t.Fatalf("expected filename filter to reject notanorder.txt")
	}
}

func TestHandleCreateSurfacesParseErrors(t *testing.T) {
	dir := t.TempDir()
	var errCount int
	c := New(Config{FolderToWatch: dir}, connector.Events{
		ErrorOccurred: func(error) { errCount++ },
	})

	path := filepath.Join(dir, "entbroken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	c.handleCreate(path)
	if errCount != 1 {
		t.Fatalf("expected 1 error callback, got %d", errCount)
	}
}

func TestConnectorLifecycleViaFsnotify(t *testing.T) {
	dir := t.TempDir()
	done := make(chan model.Order, 1)
	c := New(Config{FolderToWatch: dir}, connector.Events{
		OrdersReceived: func(orders []model.Order) {
			if len(orders) > 0 {
				done <- orders[0]
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	content := `{"nome_cliente":"Jane","endereco":"Rua X","horario_pedido":"2026-01-01T10:00:00Z","contato_cliente":"119"}`
	path := filepath.Join(dir, "ent999.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	select {
	case o := <-done:
		if o.CustomerName != "Jane" {
			t.Fatalf("unexpected order: %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fsnotify create event")
	}
}

func TestNeedsDriverMappingIsFalse(t *testing.T) {
	c := New(Config{FolderToWatch: t.TempDir()}, connector.Events{})
	if c.NeedsDriverMapping() {
		t.Fatalf("filewatch must not require driver mapping")
	}
	drivers, err := c.ListLocalDrivers(context.Background())
	if err != nil || drivers != nil {
		t.Fatalf("expected nil, nil; got %v, %v", drivers, err)
	}
}
