// Package internalid implements the single canonicalization layer every
// entry point into the synchronization core must pass raw ERP ids through.
//
// Grounded on tracking_persistence_service.py's _normalize_id: the ERP hands
// out the same order id as a float (623604.0), a numeric string ("623604"
// or "623604.0"), or occasionally a bare int. All four forms must collapse
// to the identical canonical key so that two concurrent entry paths for the
// same order resolve to one TrackingRecord.
package internalid

import (
	"fmt"
	"strconv"
	"strings"
)

// Normalize coerces raw into its canonical decimal-integer string form.
// It parses raw as a float (which accepts plain integers and "N.0" forms
// alike), truncates to an integer, and re-renders as a base-10 string. If
// raw cannot be parsed as a number at all, the trimmed string form of raw is
// returned unchanged — this preserves alphanumeric ids (the file-watching
// connector's JSON records may carry non-numeric ids) while still unifying
// every numeric representation.
func Normalize(raw interface{}) string {
	s, err := toFloatString(raw)
	if err == nil {
		return s
	}
	return strings.TrimSpace(fmt.Sprintf("%v", raw))
}

func toFloatString(raw interface{}) (string, error) {
	var f float64
	var err error

	switch v := raw.(type) {
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case float32:
		f = float64(v)
	case float64:
		f = v
	default:
		f, err = strconv.ParseFloat(strings.TrimSpace(fmt.Sprintf("%v", raw)), 64)
	}
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(int64(f), 10), nil
}
