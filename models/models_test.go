package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$389,900", FormatCents(389_900_00))
	assert.Equal(t, "-$10,000", FormatCents(-10_000_00))
	assert.Equal(t, "$123.45", FormatCents(123_45))
	assert.Equal(t, "$0", FormatCents(0))
}

func TestListingTitle(t *testing.T) {
	l := Listing{Year: 2020, Make: "Porsche", Model: "911", Trim: "Carrera S"}
	assert.Equal(t, "2020 Porsche 911 Carrera S", l.Title())
	assert.Equal(t, "Porsche 911", Listing{Make: "Porsche", Model: "911"}.Title())
}

func TestAnalyzeValue(t *testing.T) {
	tests := []struct {
		price   int64
		quality string
	}{
		{85_00, DealExcellent},
		{86_00, DealVeryGood},
		{95_00, DealGood},
		{100_00, DealFair},
		{105_00, DealFair},
		{115_00, DealPoor},
		{116_00, DealOverpriced},
	}
	for _, tt := range tests {
		v := AnalyzeValue(tt.price, 100_00)
		require.NotNil(t, v)
		assert.Equal(t, tt.quality, v.DealQuality, "price %d", tt.price)
		assert.Equal(t, tt.price-100_00, v.Difference)
	}

	assert.Nil(t, AnalyzeValue(100_00, 0))
}

func TestPercentChange(t *testing.T) {
	assert.True(t, decimal.NewFromFloat(-2.6).Equal(PercentChange(389_900_00, 379_900_00)))
	assert.True(t, decimal.Zero.Equal(PercentChange(0, 5)))
}

func TestEnrichmentFreshness(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &VinEnrichmentRecord{FetchedAt: now.Add(-6 * 24 * time.Hour), TTL: 7 * 24 * time.Hour}
	assert.True(t, r.Fresh(now))
	assert.False(t, r.Fresh(now.Add(25*time.Hour)))

	var missing *VinEnrichmentRecord
	assert.False(t, missing.Fresh(now))
}

func TestAlertFailedChannels(t *testing.T) {
	e := &AlertEvent{Results: []ChannelResult{
		{Channel: "sms:+1555", OK: false},
		{Channel: "email:a@b.c", OK: true},
		{Channel: "sms:+1555", OK: true},
		{Channel: "webhook:x", OK: false},
	}}
	assert.Equal(t, []string{"webhook:x"}, e.FailedChannels())
	assert.Equal(t, "c1:L1:price_drop", DedupKey("c1", "L1", AlertPriceDrop))
}

func TestScanSnapshotClone(t *testing.T) {
	s := NewScanSnapshot("c1")
	s.Entries["b"] = ScanEntry{Price: 1}
	s.Entries["a"] = ScanEntry{Price: 2}

	c := s.Clone()
	c.Entries["a"] = ScanEntry{Price: 3, Missed: 1}

	assert.Equal(t, []string{"a", "b"}, s.IDs())
	assert.Equal(t, int64(2), s.Entries["a"].Price)
}
