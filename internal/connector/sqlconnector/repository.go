// Raw queries against the Farmax/Firebird schema (ENTREGAS, VENDAS,
// DELIVERYLOG, CLIENTES). Grounded on farmax_repository.py, simplified from
// its dialect-specific subquery-heavy detail fetch to a single joined query
// expressing the same three-table lookup (sale, delivery, customer contact).
package sqlconnector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"velidesync/internal/errkind"
)

// DeliveryLog is one row of the DELIVERYLOG change-tracking table.
type DeliveryLog struct {
	ID      int64
	SaleID  float64
	Action  string
	LogDate time.Time
}

// SaleDetail is the joined ENTREGAS/VENDAS/CLIENTES row for one sale.
type SaleDetail struct {
	SaleID        float64
	CustomerName  string
	CustomerPhone string
	Address       string
	Neighbourhood string
	Reference     string
	CreatedAt     time.Time
}

// SaleStatus is the lightweight status projection used by the status
// tracker poll (avoids re-fetching full delivery details for an id whose
// status hasn't changed).
type SaleStatus struct {
	SaleID float64
	Status string // Farmax status code: 'S' pending, 'R' routed, 'V' done, 'C' cancelled
}

// Repository wraps the raw SQL surface the sqlconnector issues against the
// ERP database.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func inClause(n int) string {
	placeholders := make([]string, n)
	for i := range placeholders {
		placeholders[i] = "?"
	}
	return strings.Join(placeholders, ", ")
}

// FetchRecentChangesSince returns log rows written after t (time-mode).
func (r *Repository) FetchRecentChangesSince(ctx context.Context, t time.Time) ([]DeliveryLog, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT Id, CD_VENDA, Action, LogDate FROM "+logTableName+" WHERE LogDate > ?", t)
	if err != nil {
		return nil, errkind.New(errkind.Transient, "sqlconnector.FetchRecentChangesSince", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

// FetchRecentChangesAfterID returns log rows with Id greater than lastID
// (id-mode, the steady-state path).
func (r *Repository) FetchRecentChangesAfterID(ctx context.Context, lastID int64) ([]DeliveryLog, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT Id, CD_VENDA, Action, LogDate FROM "+logTableName+" WHERE Id > ? ORDER BY Id ASC", lastID)
	if err != nil {
		return nil, errkind.New(errkind.Transient, "sqlconnector.FetchRecentChangesAfterID", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

func scanLogs(rows *sql.Rows) ([]DeliveryLog, error) {
	var out []DeliveryLog
	for rows.Next() {
		var l DeliveryLog
		if err := rows.Scan(&l.ID, &l.SaleID, &l.Action, &l.LogDate); err != nil {
			return nil, errkind.New(errkind.Persistence, "sqlconnector.scanLogs", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// FetchDeliveriesByID fetches full sale/delivery/customer details for a
// batch of sale ids, joining ENTREGAS, VENDAS, and CLIENTES.
func (r *Repository) FetchDeliveriesByID(ctx context.Context, saleIDs []float64) ([]SaleDetail, error) {
	if len(saleIDs) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(saleIDs))
	for i, id := range saleIDs {
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT E.CD_VENDA, E.NOME, E.BAIRRO, E.DATA, V.TEMPENDERECO, V.TEMPREFERENCIA, C.FONE
		FROM ENTREGAS E
		LEFT JOIN VENDAS V ON E.CD_VENDA = V.CD_VENDA
		LEFT JOIN CLIENTES C ON E.CD_CLIENTE = C.CD_CLIENTE
		WHERE E.STATUS = 'S' AND E.CD_VENDA IN (%s)
		ORDER BY E.CD_VENDA DESC`, inClause(len(saleIDs)))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.New(errkind.Transient, "sqlconnector.FetchDeliveriesByID", err)
	}
	defer rows.Close()

	var out []SaleDetail
	for rows.Next() {
		var d SaleDetail
		var phone, address, reference sql.NullString
		if err := rows.Scan(&d.SaleID, &d.CustomerName, &d.Neighbourhood, &d.CreatedAt, &address, &reference, &phone); err != nil {
			return nil, errkind.New(errkind.Persistence, "sqlconnector.FetchDeliveriesByID.scan", err)
		}
		d.Address = address.String
		d.Reference = reference.String
		d.CustomerPhone = phone.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// FetchSaleStatuses returns the current Farmax status code for each id.
func (r *Repository) FetchSaleStatuses(ctx context.Context, saleIDs []float64) ([]SaleStatus, error) {
	if len(saleIDs) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(saleIDs))
	for i, id := range saleIDs {
		args[i] = id
	}
	query := fmt.Sprintf("SELECT CD_VENDA, STATUS FROM VENDAS WHERE CD_VENDA IN (%s) ORDER BY CD_VENDA DESC", inClause(len(saleIDs)))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.New(errkind.Transient, "sqlconnector.FetchSaleStatuses", err)
	}
	defer rows.Close()

	var out []SaleStatus
	for rows.Next() {
		var s SaleStatus
		if err := rows.Scan(&s.SaleID, &s.Status); err != nil {
			return nil, errkind.New(errkind.Persistence, "sqlconnector.FetchSaleStatuses.scan", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkInRoute writes the route-start back to ENTREGAS.
func (r *Repository) MarkInRoute(ctx context.Context, saleID float64, deliverymanID string, leftAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE ENTREGAS SET CD_ENTREGADOR = ?, HORA_SAIDA = ?, STATUS = 'R' WHERE CD_VENDA = ?",
		deliverymanID, leftAt, saleID)
	if err != nil {
		return errkind.New(errkind.Transient, "sqlconnector.MarkInRoute", err)
	}
	return nil
}

// MarkDone writes delivery completion back to both ENTREGAS and VENDAS.
func (r *Repository) MarkDone(ctx context.Context, saleID float64, endedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.New(errkind.Transient, "sqlconnector.MarkDone", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE ENTREGAS SET HORA_CHEGADA = ?, STATUS = 'V' WHERE CD_VENDA = ?", endedAt, saleID); err != nil {
		return errkind.New(errkind.Transient, "sqlconnector.MarkDone.entregas", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE VENDAS SET CONCLUIDO = 'S', STATUS = 'V', HORAFINAL = ? WHERE CD_VENDA = ?", endedAt, saleID); err != nil {
		return errkind.New(errkind.Transient, "sqlconnector.MarkDone.vendas", err)
	}
	if err := tx.Commit(); err != nil {
		return errkind.New(errkind.Transient, "sqlconnector.MarkDone.commit", err)
	}
	return nil
}

// ListDeliverymen returns the ERP's deliveryman roster.
func (r *Repository) ListDeliverymen(ctx context.Context) ([]DeliverymanRow, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT CD_ENTREGADOR, NOME FROM ENTREGADORES")
	if err != nil {
		return nil, errkind.New(errkind.Transient, "sqlconnector.ListDeliverymen", err)
	}
	defer rows.Close()

	var out []DeliverymanRow
	for rows.Next() {
		var d DeliverymanRow
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, errkind.New(errkind.Persistence, "sqlconnector.ListDeliverymen.scan", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type DeliverymanRow struct {
	ID   string
	Name string
}
