package sqlconnector

import "testing"

func TestFilterNewInsertIDsDedupesAndSkipsTracked(t *testing.T) {
	tracked := map[float64]bool{100: true}
	isTracked := func(raw interface{}) bool { return tracked[raw.(float64)] }

	logs := []DeliveryLog{
		{ID: 1, SaleID: 100, Action: actionInsert},
		{ID: 2, SaleID: 200, Action: actionInsert},
		{ID: 3, SaleID: 200, Action: actionInsert},
		{ID: 4, SaleID: 300, Action: "UPDATE"},
		{ID: 5, SaleID: 0, Action: actionInsert},
	}

	ids := FilterNewInsertIDs(logs, isTracked)
	if len(ids) != 1 || ids[0] != 200 {
		t.Fatalf("expected [200], got %v", ids)
	}
}

func TestHighestLogID(t *testing.T) {
	logs := []DeliveryLog{{ID: 5}, {ID: 12}, {ID: 3}}
	if got := HighestLogID(logs); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	if got := HighestLogID(nil); got != 0 {
		t.Fatalf("expected 0 for empty, got %d", got)
	}
}

func TestToOrderNormalizesSaleID(t *testing.T) {
	d := SaleDetail{SaleID: 623604.0, CustomerName: "Jane"}
	o := ToOrder(d)
	if o.InternalID != "623604" {
		t.Fatalf("expected normalized id 623604, got %q", o.InternalID)
	}
	if o.CustomerName != "Jane" {
		t.Fatalf("expected customer name carried through")
	}
}
