package sqlconnector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"velidesync/internal/clock"
	"velidesync/internal/connector"
	"velidesync/internal/internalid"
	"velidesync/internal/model"
	"velidesync/internal/tracking"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestConnector(t *testing.T) (*Connector, sqlmock.Sqlmock, []model.Order) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	trackingDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open tracking sqlite: %v", err)
	}
	store := tracking.New(trackingDB, clock.Real{})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var received []model.Order
	cfg := Config{
		CursorPath:          filepath.Join(t.TempDir(), "cursor.json"),
		IngestPollInterval:  time.Hour,
		StatusPollInterval:  time.Hour,
		StatusBatchSize:     50,
		DetailRetryAttempts: 2,
		DetailRetryBase:     time.Millisecond,
	}
	events := connector.Events{
		OrdersReceived: func(orders []model.Order) { received = append(received, orders...) },
		ErrorOccurred:  func(error) {},
	}
	c := New(db, store, cfg, events)
	c.cursor = newCursorState(time.Now())
	return c, mock, received
}

func TestIngestCycleAdvancesCursorOnSuccess(t *testing.T) {
	c, mock, _ := newTestConnector(t)

	mock.ExpectQuery("SELECT Id, CD_VENDA, Action, LogDate FROM DELIVERYLOG WHERE LogDate >").
		WillReturnRows(sqlmock.NewRows([]string{"Id", "CD_VENDA", "Action", "LogDate"}).
			AddRow(int64(1), 623604.0, actionInsert, time.Now()))
	mock.ExpectQuery("SELECT E.CD_VENDA, E.NOME, E.BAIRRO, E.DATA, V.TEMPENDERECO, V.TEMPREFERENCIA, C.FONE").
		WillReturnRows(sqlmock.NewRows([]string{"CD_VENDA", "NOME", "BAIRRO", "DATA", "TEMPENDERECO", "TEMPREFERENCIA", "FONE"}).
			AddRow(623604.0, "Jane Doe", "Centro", time.Now(), "Rua A", "", ""))

	c.runIngestCycle(context.Background())

	if !c.cursor.isSteadyState() {
		t.Fatalf("expected cursor to graduate to id-mode after a successful cycle")
	}
	if *c.cursor.lastLogID != 1 {
		t.Fatalf("expected lastLogID 1, got %d", *c.cursor.lastLogID)
	}
}

func TestIngestCycleRollsBackCursorWhenDetailFetchExhaustsRetries(t *testing.T) {
	c, mock, _ := newTestConnector(t)

	mock.ExpectQuery("SELECT Id, CD_VENDA, Action, LogDate FROM DELIVERYLOG WHERE LogDate >").
		WillReturnRows(sqlmock.NewRows([]string{"Id", "CD_VENDA", "Action", "LogDate"}).
			AddRow(int64(5), 700000.0, actionInsert, time.Now()))
	mock.ExpectQuery("SELECT E.CD_VENDA, E.NOME, E.BAIRRO, E.DATA, V.TEMPENDERECO, V.TEMPREFERENCIA, C.FONE").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectQuery("SELECT E.CD_VENDA, E.NOME, E.BAIRRO, E.DATA, V.TEMPENDERECO, V.TEMPREFERENCIA, C.FONE").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectQuery("SELECT E.CD_VENDA, E.NOME, E.BAIRRO, E.DATA, V.TEMPENDERECO, V.TEMPREFERENCIA, C.FONE").
		WillReturnError(context.DeadlineExceeded)

	c.runIngestCycle(context.Background())
	time.Sleep(50 * time.Millisecond)

	if c.cursor.isSteadyState() {
		t.Fatalf("cursor must not advance when detail fetch exhausts all retries")
	}
}

func TestParseSaleIDRoundTripsNormalizedID(t *testing.T) {
	id := internalid.Normalize(623604.0)
	if got := parseSaleID(id); got != 623604.0 {
		t.Fatalf("expected 623604.0, got %v", got)
	}
}
