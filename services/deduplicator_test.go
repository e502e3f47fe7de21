package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"porsche-tracker/models"
)

var gt3Criteria = models.WatchCriteria{
	ID:       "gt3",
	Make:     "Porsche",
	Models:   []string{"911 GT3"},
	MinPrice: 200_000_00,
	MaxPrice: 400_000_00,
	Active:   true,
}

func gt3(id string, price int64, seen time.Time) models.Listing {
	return models.Listing{
		ID: id, Make: "Porsche", Model: "911", Trim: "GT3", Year: 2022,
		Price: price, LastSeen: seen, Status: models.StatusActive,
	}
}

func TestClassifyUnknownListing(t *testing.T) {
	d := NewDeduplicator(2)
	now := time.Now()

	dec := d.Classify(nil, nil, gt3("L1", 389_900_00, now), gt3Criteria)
	assert.Equal(t, TransitionNewMatch, dec.Transition)
	assert.True(t, dec.InScope)
	assert.Equal(t, now, dec.Listing.FirstSeen)

	dec = d.Classify(nil, nil, gt3("L2", 450_000_00, now), gt3Criteria)
	assert.Equal(t, TransitionIgnored, dec.Transition, "out of price range")
	assert.False(t, dec.InScope)
}

func TestClassifyStoredElsewhereIsStillNew(t *testing.T) {
	d := NewDeduplicator(2)
	now := time.Now()
	stored := gt3("L1", 389_900_00, now.Add(-48*time.Hour))
	stored.FirstSeen = stored.LastSeen

	dec := d.Classify(models.NewScanSnapshot("gt3"), &stored, gt3("L1", 389_900_00, now), gt3Criteria)
	assert.Equal(t, TransitionNewMatch, dec.Transition)
	assert.Equal(t, stored.FirstSeen, dec.Listing.FirstSeen)
}

func TestClassifyInScopeMissingFromStorageIsUnknown(t *testing.T) {
	d := NewDeduplicator(2)
	prev := models.NewScanSnapshot("gt3")
	prev.Entries["L1"] = models.ScanEntry{Price: 389_900_00}

	dec := d.Classify(prev, nil, gt3("L1", 379_900_00, time.Now()), gt3Criteria)
	assert.Equal(t, TransitionNewMatch, dec.Transition)
}

func TestClassifyPriceChanges(t *testing.T) {
	d := NewDeduplicator(2)
	now := time.Now()
	prev := models.NewScanSnapshot("gt3")
	prev.Entries["L1"] = models.ScanEntry{Price: 389_900_00}
	stored := gt3("L1", 389_900_00, now.Add(-time.Hour))

	tests := []struct {
		name     string
		price    int64
		want     Transition
		wantOld  int64
		wantKind models.AlertKind
	}{
		{"drop", 379_900_00, TransitionPriceDrop, 389_900_00, models.AlertPriceDrop},
		{"increase", 395_000_00, TransitionPriceIncrease, 389_900_00, models.AlertPriceIncrease},
		{"unchanged", 389_900_00, TransitionUnchanged, 0, ""},
		// already tracked listings stay tracked outside the range
		{"drop below range", 150_000_00, TransitionPriceDrop, 389_900_00, models.AlertPriceDrop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := d.Classify(prev, &stored, gt3("L1", tt.price, now), gt3Criteria)
			assert.Equal(t, tt.want, dec.Transition)
			assert.Equal(t, tt.wantOld, dec.OldPrice)
			assert.True(t, dec.InScope)

			kind, ok := dec.Transition.AlertKind()
			assert.Equal(t, tt.wantKind != "", ok)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestMergeKeepsStoredDetail(t *testing.T) {
	miles := 1250
	mv := int64(400_000_00)
	stored := gt3("L1", 389_900_00, time.Now())
	stored.VIN = "WP0AC2A98NS123456"
	stored.Mileage = &miles
	stored.Color = "Shark Blue"
	stored.MarketValue = &mv
	stored.LowConfidence = true

	observed := models.Listing{ID: "L1", Model: "911", Price: 379_900_00}
	merged := mergeObservation(&stored, observed)

	assert.Equal(t, stored.VIN, merged.VIN)
	assert.Equal(t, &miles, merged.Mileage)
	assert.Equal(t, "Shark Blue", merged.Color)
	assert.Equal(t, "GT3", merged.Trim)
	assert.Equal(t, 2022, merged.Year)
	assert.Equal(t, int64(379_900_00), merged.Price)
	assert.Equal(t, &mv, merged.MarketValue)
	assert.True(t, merged.LowConfidence)
	assert.Equal(t, models.StatusActive, merged.Status)
}

func TestAdvanceRequiresTwoMisses(t *testing.T) {
	d := NewDeduplicator(2)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	snap, delisted := d.Advance(nil, "gt3", map[string]int64{"L1": 389_900_00, "L2": 250_000_00}, t0)
	require.Empty(t, delisted)
	assert.Equal(t, []string{"L1", "L2"}, snap.IDs())

	// first absence
	snap, delisted = d.Advance(snap, "gt3", map[string]int64{"L2": 250_000_00}, t0.Add(time.Hour))
	assert.Empty(t, delisted)
	e, ok := snap.Entry("L1")
	require.True(t, ok)
	assert.Equal(t, 1, e.Missed)
	assert.Equal(t, t0, e.LastSeen)
	assert.Equal(t, int64(389_900_00), e.Price)

	// back again resets the counter
	snap, delisted = d.Advance(snap, "gt3", map[string]int64{"L1": 389_900_00, "L2": 250_000_00}, t0.Add(2*time.Hour))
	assert.Empty(t, delisted)
	e, _ = snap.Entry("L1")
	assert.Equal(t, 0, e.Missed)

	// two consecutive absences
	snap, delisted = d.Advance(snap, "gt3", map[string]int64{"L2": 250_000_00}, t0.Add(3*time.Hour))
	assert.Empty(t, delisted)
	snap, delisted = d.Advance(snap, "gt3", map[string]int64{"L2": 250_000_00}, t0.Add(4*time.Hour))
	assert.Equal(t, []string{"L1"}, delisted)
	assert.Equal(t, []string{"L2"}, snap.IDs())
}

func TestAdvanceEmptyScanCountsAsMiss(t *testing.T) {
	d := NewDeduplicator(2)
	prev := models.NewScanSnapshot("gt3")
	prev.Entries["L1"] = models.ScanEntry{Price: 1, Missed: 1}
	prev.Entries["L2"] = models.ScanEntry{Price: 1}

	snap, delisted := d.Advance(prev, "gt3", nil, time.Now())
	assert.Equal(t, []string{"L1"}, delisted)
	assert.Equal(t, []string{"L2"}, snap.IDs())
}

func TestReplayingSameScanIsIdempotent(t *testing.T) {
	d := NewDeduplicator(2)
	now := time.Now()
	observed := []models.Listing{gt3("L1", 389_900_00, now), gt3("L2", 359_000_00, now)}
	stored := map[string]*models.Listing{}

	run := func(prev *models.ScanSnapshot) (*models.ScanSnapshot, []Transition) {
		var got []Transition
		present := map[string]int64{}
		for _, l := range observed {
			dec := d.Classify(prev, stored[l.ID], l, gt3Criteria)
			got = append(got, dec.Transition)
			merged := dec.Listing
			stored[l.ID] = &merged
			present[l.ID] = l.Price
		}
		next, delisted := d.Advance(prev, "gt3", present, now)
		assert.Empty(t, delisted)
		return next, got
	}

	snap, first := run(nil)
	assert.Equal(t, []Transition{TransitionNewMatch, TransitionNewMatch}, first)

	_, second := run(snap)
	assert.Equal(t, []Transition{TransitionUnchanged, TransitionUnchanged}, second)
}
