package domain

import (
	"encoding/json"
	"sort"
	"time"
)

type SyncType string

const (
	SyncTypeCreate       SyncType = "create"
	SyncTypeUpdate       SyncType = "update"
	SyncTypeStatusChange SyncType = "status-change"
)

func (t SyncType) Valid() bool {
	switch t {
	case SyncTypeCreate, SyncTypeUpdate, SyncTypeStatusChange:
		return true
	}
	return false
}

type SyncPriority string

const (
	PriorityCritical SyncPriority = "critical"
	PriorityHigh     SyncPriority = "high"
	PriorityNormal   SyncPriority = "normal"
	PriorityLow      SyncPriority = "low"
)

// Rank orders priorities; lower drains first. Unknown priorities sort last.
func (p SyncPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

const DefaultMaxRetries = 5

type SyncQueueItem struct {
	ID          string          `json:"id"`
	Type        SyncType        `json:"type"`
	Priority    SyncPriority    `json:"priority"`
	OrderNumber string          `json:"order_number"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"max_retries"`
	LastError   string          `json:"last_error,omitempty"`
}

func (i SyncQueueItem) Exhausted() bool {
	return i.Retries >= i.MaxRetries
}

// SortQueue orders items critical > high > normal > low, FIFO by enqueue
// timestamp within a priority. Ids break exact timestamp ties, which keeps
// the order stable across runs.
func SortQueue(items []SyncQueueItem) {
	sort.SliceStable(items, func(a, b int) bool {
		ra, rb := items[a].Priority.Rank(), items[b].Priority.Rank()
		if ra != rb {
			return ra < rb
		}
		if !items[a].Timestamp.Equal(items[b].Timestamp) {
			return items[a].Timestamp.Before(items[b].Timestamp)
		}
		return items[a].ID < items[b].ID
	})
}

// StatusChange is the payload of a status-change queue item.
type StatusChange struct {
	OrderNumber string    `json:"order_number"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	Notes       string    `json:"notes,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}
