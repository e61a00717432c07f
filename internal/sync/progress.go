package sync

import (
	"math"
	"time"
)

type ItemError struct {
	ItemID      string    `json:"itemId"`
	OrderNumber string    `json:"orderNumber"`
	Message     string    `json:"errorMessage"`
	RetryCount  int       `json:"retryCount"`
	Dropped     bool      `json:"dropped"`
	Timestamp   time.Time `json:"timestamp"`
}

// Progress describes the current or last run.
type Progress struct {
	Running        bool        `json:"running"`
	TotalItems     int         `json:"totalItems"`
	ProcessedItems int         `json:"processedItems"`
	SuccessCount   int         `json:"successCount"`
	FailureCount   int         `json:"failureCount"`
	DroppedCount   int         `json:"droppedCount"`
	CurrentOrder   string      `json:"currentOrder,omitempty"`
	Errors         []ItemError `json:"errors"`
	StartedAt      time.Time   `json:"startedAt"`
	FinishedAt     time.Time   `json:"finishedAt"`
}

// Percentage is processed/total rounded to the nearest integer; an empty run
// reports 0.
func (p Progress) Percentage() int {
	if p.TotalItems == 0 {
		return 0
	}
	return int(math.Round(float64(p.ProcessedItems) / float64(p.TotalItems) * 100))
}
