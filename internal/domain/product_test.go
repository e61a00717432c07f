package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPromotion_ActiveAt(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	promo := Promotion{IsActive: true, StartDate: start, EndDate: start.AddDate(0, 0, 7)}

	assert.True(t, promo.ActiveAt(start))
	assert.True(t, promo.ActiveAt(start.AddDate(0, 0, 3)))
	assert.False(t, promo.ActiveAt(start.Add(-time.Second)))
	assert.False(t, promo.ActiveAt(start.AddDate(0, 0, 8)))

	promo.IsActive = false
	assert.False(t, promo.ActiveAt(start.AddDate(0, 0, 1)))
}

func TestPromotion_AppliesTo(t *testing.T) {
	promo := Promotion{ApplicableProducts: []int64{1, 5}}

	assert.True(t, promo.AppliesTo(5))
	assert.False(t, promo.AppliesTo(2))
}
