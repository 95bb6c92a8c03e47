// Package idgen generates client-side correlation ids, the same way this
// codebase's token store mints opaque tokens with satori/go.uuid.
package idgen

import uuid "github.com/satori/go.uuid"

// NewCorrelationID returns a fresh random identifier suitable for attaching
// to an outbound dispatcher task so its retries can be traced through logs.
func NewCorrelationID() string {
	return uuid.NewV4().String()
}
