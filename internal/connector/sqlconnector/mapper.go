// Translates Farmax rows into the core's Order model and filters
// change-log batches down to the new, not-yet-tracked inserts. Grounded on
// farmax_mapper.py's FarmaxMapper (to_order, filter_new_insert_ids).
package sqlconnector

import (
	"velidesync/internal/internalid"
	"velidesync/internal/model"
)

const actionInsert = "INSERT"

// ToOrder normalizes a SaleDetail row into the generic Order model.
func ToOrder(d SaleDetail) model.Order {
	return model.Order{
		InternalID:      internalid.Normalize(d.SaleID),
		CustomerName:    d.CustomerName,
		CustomerContact: d.CustomerPhone,
		Address:         d.Address,
		Neighbourhood:   d.Neighbourhood,
		Reference:       d.Reference,
		CreatedAt:       d.CreatedAt,
		Status:          model.StatusPending,
	}
}

// FilterNewInsertIDs returns the set of distinct sale ids among logs that
// are INSERT actions and not already tracked, per isTracked.
func FilterNewInsertIDs(logs []DeliveryLog, isTracked func(interface{}) bool) []float64 {
	seen := make(map[float64]bool)
	var out []float64
	for _, l := range logs {
		if l.Action != actionInsert {
			continue
		}
		if l.SaleID == 0 || seen[l.SaleID] {
			continue
		}
		if isTracked(l.SaleID) {
			continue
		}
		seen[l.SaleID] = true
		out = append(out, l.SaleID)
	}
	return out
}

// HighestLogID returns the maximum Id among logs, used to advance the
// pending cursor after a batch is read.
func HighestLogID(logs []DeliveryLog) int64 {
	var max int64
	for _, l := range logs {
		if l.ID > max {
			max = l.ID
		}
	}
	return max
}
