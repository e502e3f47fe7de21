package cargurus

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"porsche-tracker/scraper"
	"porsche-tracker/utils"
)

func TestSearchURL(t *testing.T) {
	c := New(Options{BaseURL: "https://example.test/"}, utils.NewNopLogger())
	raw := c.SearchURL(scraper.SearchParams{
		Make: "Porsche", Models: []string{"911 GT3"}, MinYear: 2018, MaxPrice: 400_000, Zip: "92101", DistanceMi: 250,
	})

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "example.test", u.Host)
	q := u.Query()
	assert.Equal(t, "porsche", q.Get("entitySelectingHelper.selectedEntity"))
	assert.Equal(t, "911 GT3", q.Get("model"))
	assert.Equal(t, "2018", q.Get("startYear"))
	assert.Equal(t, "400000", q.Get("maxPrice"))
	assert.Empty(t, q.Get("minPrice"))
	assert.Equal(t, "250", q.Get("distance"))
}

func TestCardRecord(t *testing.T) {
	card := cardData{ID: "123", Title: "2022 Porsche 911 GT3", Price: "$389,900", Location: "San Diego, CA"}
	rec := card.record("https://example.test")

	assert.Equal(t, "123", rec.ListingID)
	assert.Equal(t, "San Diego", rec.City)
	assert.Equal(t, "CA", rec.State)
	assert.Equal(t, "https://example.test/details/123", rec.URL)
	assert.Equal(t, sourceName, rec.Source)
}

func TestSplitLocation(t *testing.T) {
	city, state := splitLocation("Scottsdale")
	assert.Equal(t, "Scottsdale", city)
	assert.Empty(t, state)
}
