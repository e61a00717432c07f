// Package ids generates identifiers whose lexicographic order matches their
// creation order (UUIDv7, millisecond timestamp prefix plus a monotonic
// sequence within the process).
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const orderNumberPrefix = "ORD-"

func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewOrderNumber returns a client-side order number, unique across terminals
// and sortable by creation time.
func NewOrderNumber() string {
	return orderNumberPrefix + strings.ToUpper(strings.ReplaceAll(New(), "-", ""))
}

// NewTraceID is random (v4); trace ids carry no ordering.
func NewTraceID() string {
	return uuid.New().String()
}
