package sqlconnector

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRepository(db), mock
}

func TestFetchRecentChangesAfterID(t *testing.T) {
	repo, mock := newMockRepo(t)
	rows := sqlmock.NewRows([]string{"Id", "CD_VENDA", "Action", "LogDate"}).
		AddRow(int64(11), 623604.0, actionInsert, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	mock.ExpectQuery("SELECT Id, CD_VENDA, Action, LogDate FROM DELIVERYLOG WHERE Id > ").
		WithArgs(int64(10)).
		WillReturnRows(rows)

	logs, err := repo.FetchRecentChangesAfterID(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchRecentChangesAfterID: %v", err)
	}
	if len(logs) != 1 || logs[0].ID != 11 || logs[0].SaleID != 623604.0 {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFetchDeliveriesByIDJoinsAndFillsNulls(t *testing.T) {
	repo, mock := newMockRepo(t)
	rows := sqlmock.NewRows([]string{"CD_VENDA", "NOME", "BAIRRO", "DATA", "TEMPENDERECO", "TEMPREFERENCIA", "FONE"}).
		AddRow(623604.0, "Jane Doe", "Centro", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil, nil, nil)
	mock.ExpectQuery("SELECT E.CD_VENDA, E.NOME, E.BAIRRO, E.DATA, V.TEMPENDERECO, V.TEMPREFERENCIA, C.FONE").
		WithArgs(623604.0).
		WillReturnRows(rows)

	details, err := repo.FetchDeliveriesByID(context.Background(), []float64{623604.0})
	if err != nil {
		t.Fatalf("FetchDeliveriesByID: %v", err)
	}
	if len(details) != 1 || details[0].CustomerName != "Jane Doe" || details[0].Address != "" {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func TestMarkDoneCommitsBothTables(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ENTREGAS SET HORA_CHEGADA").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE VENDAS SET CONCLUIDO").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.MarkDone(context.Background(), 623604.0, time.Now()); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkDoneRollsBackOnFailure(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ENTREGAS SET HORA_CHEGADA").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	if err := repo.MarkDone(context.Background(), 623604.0, time.Now()); err == nil {
		t.Fatalf("expected error from MarkDone")
	}
}
