// Package model holds the data types shared across the synchronization
// core: Order, Status, TrackingRecord, and DriverMapping.
package model

import "time"

// Status is the delivery lifecycle state, stored on disk using the
// Portuguese-language literals the original source persisted (kept for
// schema compatibility with the CHECK constraint in the SQLite table).
type Status string

const (
	StatusPending    Status = "PENDENTE"
	StatusSending    Status = "ENVIANDO"
	StatusAdded      Status = "ADICIONADO"
	StatusInProgress Status = "EM_ANDAMENTO"
	StatusMissing    Status = "AUSENTE"
	StatusDelivered  Status = "ENTREGUE"
	StatusFailed     Status = "FALHA"
	StatusCancelled  Status = "CANCELADA"
)

// Terminal reports whether the status is terminal for active-tracking
// queries (DELIVERED, FAILED, CANCELLED, MISSING).
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled, StatusMissing:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusAdded, StatusInProgress,
		StatusMissing, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Order is the canonical unit produced by a connector and carried through
// the dispatcher to the cloud client.
type Order struct {
	InternalID      string
	ExternalID      string // empty until bound
	CustomerName    string
	CustomerContact string
	Address         string
	Address2        string
	Neighbourhood   string
	Reference       string
	CreatedAt       time.Time
	Status          Status
}

// TrackingRecord is the persisted row backing the Tracking Store (C1). The
// primary/unique split mirrors spec.md's literal DDL: external_delivery_id
// is the primary key (a row only exists once Register has a cloud id to
// store), internal_delivery_id carries its own unique constraint.
type TrackingRecord struct {
	ExternalID string `gorm:"column:external_delivery_id;primaryKey"`
	InternalID string `gorm:"column:internal_delivery_id;uniqueIndex"`
	Status     Status `gorm:"column:status"`
	CreatedAt  time.Time `gorm:"column:create_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
	DeliverymanID string `gorm:"column:deliveryman_id"`
}

// TableName pins the GORM table name to the spec's exact schema name.
func (TrackingRecord) TableName() string { return "DeliveryMapping" }

// DriverMapping is the persisted row backing Driver Mapping (C9).
type DriverMapping struct {
	RemoteID string `gorm:"column:velide_id;primaryKey"`
	LocalID  string `gorm:"column:local_id;uniqueIndex"`
}

func (DriverMapping) TableName() string { return "DeliverymenMapping" }

// LocalDriver is a driver as reported by the ERP connector.
type LocalDriver struct {
	LocalID string
	Name    string
}

// DeliveryResponse is the cloud's view of a single delivery, returned by
// AddDelivery and as elements of a GlobalSnapshot.
type DeliveryResponse struct {
	ID            string     `json:"id"`
	RouteID       string     `json:"routeId"`
	CreatedAt     time.Time  `json:"createdAt"`
	EndedAt       *time.Time `json:"endedAt"`
	Status        string     `json:"status"` // remote status code: PENDING|ROUTED|COMPLETED|CANCELLED|FAILED
	DeliverymanID string     `json:"deliverymanId"`
	Metadata      *Metadata  `json:"metadata"`
}

// Metadata is the free-form delivery metadata the integration sent on ADD,
// echoed back by the cloud and used for retry-time reconciliation matching.
type Metadata struct {
	IntegrationName string `json:"integrationName"`
	CustomerName    string `json:"customerName"`
	CustomerContact string `json:"customerContact"`
	Address         string `json:"address"`
}

// GlobalSnapshot is the cloud's view of all currently-active deliveries.
type GlobalSnapshot struct {
	Deliveries []DeliveryResponse
}

// MapRemoteStatus implements the cloud->local status-code mapping table
// from spec section 6.
func MapRemoteStatus(remote string) Status {
	switch remote {
	case "PENDING":
		return StatusAdded
	case "ROUTED":
		return StatusInProgress
	case "COMPLETED":
		return StatusDelivered
	case "CANCELLED":
		return StatusCancelled
	case "FAILED":
		return StatusFailed
	default:
		return StatusAdded
	}
}
