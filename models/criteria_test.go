package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptrInt(v int) *int           { return &v }
func ptrFloat(v float64) *float64 { return &v }

func gt3Criteria() WatchCriteria {
	return WatchCriteria{
		ID:       "c-gt3",
		Make:     "Porsche",
		Models:   []string{"911 GT3"},
		MinPrice: 200_000_00,
		MaxPrice: 400_000_00,
		Active:   true,
	}
}

func TestCriteriaMatches(t *testing.T) {
	base := Listing{ID: "L1", Make: "Porsche", Model: "911 GT3", Year: 2022, Price: 389_900_00}

	tests := []struct {
		name   string
		mutate func(c *WatchCriteria, l *Listing)
		want   bool
	}{
		{"in range", func(c *WatchCriteria, l *Listing) {}, true},
		{"model case-insensitive", func(c *WatchCriteria, l *Listing) { l.Model = "911 gt3" }, true},
		{"model plus trim prefix", func(c *WatchCriteria, l *Listing) { l.Model = "911"; l.Trim = "GT3 Touring" }, true},
		{"trim prefix needs word boundary", func(c *WatchCriteria, l *Listing) { l.Model = "911"; l.Trim = "GT3RS" }, false},
		{"model outside set", func(c *WatchCriteria, l *Listing) { l.Model = "Cayenne" }, false},
		{"price above max", func(c *WatchCriteria, l *Listing) { l.Price = 400_000_01 }, false},
		{"price below min", func(c *WatchCriteria, l *Listing) { l.Price = 199_999_99 }, false},
		{"year below min", func(c *WatchCriteria, l *Listing) { c.MinYear = 2023 }, false},
		{"year above max", func(c *WatchCriteria, l *Listing) { c.MaxYear = 2021 }, false},
		{"unknown mileage passes", func(c *WatchCriteria, l *Listing) { c.MaxMileage = 10_000 }, true},
		{"mileage too high", func(c *WatchCriteria, l *Listing) { c.MaxMileage = 10_000; l.Mileage = ptrInt(12_000) }, false},
		{"unknown color passes", func(c *WatchCriteria, l *Listing) { c.ExteriorColors = []string{"Shark Blue"} }, true},
		{"color mismatch", func(c *WatchCriteria, l *Listing) {
			c.ExteriorColors = []string{"Shark Blue"}
			l.Color = "GT Silver"
		}, false},
		{"condition filter", func(c *WatchCriteria, l *Listing) {
			c.Conditions = []string{"used", "certified"}
			l.Condition = "Certified"
		}, true},
		{"condition mismatch", func(c *WatchCriteria, l *Listing) {
			c.Conditions = []string{"new"}
			l.Condition = "used"
		}, false},
		{"reported distance too far", func(c *WatchCriteria, l *Listing) {
			c.MaxDistanceMi = 100
			l.DistanceMi = ptrFloat(250)
		}, false},
		{"unknown distance passes", func(c *WatchCriteria, l *Listing) { c.MaxDistanceMi = 100 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := gt3Criteria()
			l := base
			tt.mutate(&c, &l)
			assert.Equal(t, tt.want, c.Matches(l))
		})
	}
}

func TestDistancePrefersCoordinates(t *testing.T) {
	c := WatchCriteria{HomeLat: ptrFloat(34.0522), HomeLon: ptrFloat(-118.2437), MaxDistanceMi: 50}
	l := Listing{
		Location:   Location{Latitude: ptrFloat(32.7157), Longitude: ptrFloat(-117.1611)},
		DistanceMi: ptrFloat(5),
	}

	d, ok := c.DistanceTo(l)
	assert.True(t, ok)
	assert.InDelta(t, 111, d, 2)
	assert.False(t, c.Matches(l))
}
