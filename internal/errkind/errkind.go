// Package errkind provides the small typed error taxonomy that the
// dispatcher, cloud client, and orchestrator discriminate on. It replaces
// this codebase's usual numeric error-code constants with Go-idiomatic
// wrapped errors, since the synchronization core needs errors.As-style
// discrimination rather than a flat integer space.
package errkind

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories the core distinguishes between for
// flow-control purposes.
type Kind int

const (
	// Unknown is the zero value; never constructed intentionally.
	Unknown Kind = iota
	// Transient covers connection resets, 5xx, and 429 — safe to retry
	// with backoff.
	Transient
	// Timeout covers a request that did not complete before its context
	// deadline. Retried like Transient, but also the sole trigger for the
	// dispatcher's retry-time reconciliation per spec.md §4.4.2: a 5xx or
	// connection-reset failure gives no reason to suspect the cloud side
	// actually applied the mutation, so only a timeout warrants the
	// metadata-matching lookup.
	Timeout
	// Permanent covers 4xx (other than 429), validation, and parse
	// errors — retrying will not help.
	Permanent
	// Auth covers 401 responses and refresh-token failures.
	Auth
	// Persistence covers local disk/DB failures.
	Persistence
	// DataInvariant covers corrupt or unexpected on-disk state (unknown
	// status enum, missing required field) — the record is skipped, the
	// process continues.
	DataInvariant
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Timeout:
		return "timeout"
	case Permanent:
		return "permanent"
	case Auth:
		return "auth"
	case Persistence:
		return "persistence"
	case DataInvariant:
		return "data_invariant"
	default:
		return "unknown"
	}
}

// Error is a wrapped error carrying a Kind for discrimination via
// errors.As, plus the usual Unwrap chain.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "cloudclient.AddDelivery"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a *Error for the given kind/op/wrapped error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Retryable reports whether the kind should be retried by the dispatcher's
// backoff loop.
func Retryable(kind Kind) bool {
	return kind == Transient || kind == Timeout
}

// KindOf extracts the Kind carried by err, or Unknown if err was never
// wrapped through New.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return Unknown
	}
	return e.Kind
}
