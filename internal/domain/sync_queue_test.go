package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSortQueue_PriorityThenFIFO(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []SyncQueueItem{
		{ID: "a", Priority: PriorityNormal, Timestamp: base},
		{ID: "b", Priority: PriorityCritical, Timestamp: base.Add(time.Second)},
		{ID: "c", Priority: PriorityHigh, Timestamp: base.Add(2 * time.Second)},
		{ID: "d", Priority: PriorityCritical, Timestamp: base.Add(-time.Second)},
		{ID: "e", Priority: PriorityLow, Timestamp: base.Add(-time.Hour)},
	}

	SortQueue(items)

	got := make([]string, len(items))
	for i, it := range items {
		got[i] = it.ID
	}
	assert.Equal(t, []string{"d", "b", "c", "a", "e"}, got)
}

func TestSyncPriority_Rank(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Less(t, PriorityLow.Rank(), SyncPriority("bogus").Rank())
}

func TestSyncQueueItem_Exhausted(t *testing.T) {
	assert.False(t, SyncQueueItem{Retries: 4, MaxRetries: 5}.Exhausted())
	assert.True(t, SyncQueueItem{Retries: 5, MaxRetries: 5}.Exhausted())
}

func TestSyncType_Valid(t *testing.T) {
	assert.True(t, SyncTypeCreate.Valid())
	assert.True(t, SyncTypeStatusChange.Valid())
	assert.False(t, SyncType("ORDER_CREATE").Valid())
}
