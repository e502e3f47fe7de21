package httpjson

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"porsche-tracker/apperrors"
	"porsche-tracker/scraper"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Porsche", r.URL.Query().Get("make"))
		assert.Equal(t, []string{"911 GT3"}, r.URL.Query()["model"])
		assert.Equal(t, "400000", r.URL.Query().Get("max_price"))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"listings":[
			{"id": 1001, "title": "2022 Porsche 911 GT3", "price": 389900, "mileage": "1,250 mi", "vin": "WP0AC2A98NS123456"},
			{"listing_id": "1002", "model": "911 GT3", "price": "$359,000", "lat": 32.7, "lng": -117.1}
		]}`))
	})
	mux.HandleFunc("/api/listings/1001", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"listing":{"title":"2022 Porsche 911 GT3","price":379900}}`))
	})
	mux.HandleFunc("/api/listings/gone", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/api/listings/blocked", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchDecodesMixedPayload(t *testing.T) {
	srv := newServer(t)
	c, err := New(Options{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	recs, err := c.Search(context.Background(), scraper.SearchParams{
		Make: "Porsche", Models: []string{"911 GT3"}, MaxPrice: 400_000,
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "1001", recs[0].ListingID)
	assert.Equal(t, "389900", recs[0].Price)
	assert.Equal(t, "WP0AC2A98NS123456", recs[0].VIN)
	assert.Equal(t, "1002", recs[1].ListingID)
	assert.Equal(t, "32.7", recs[1].Latitude)
	assert.Equal(t, "httpjson", recs[1].Source)
}

func TestFetchDetail(t *testing.T) {
	srv := newServer(t)
	c, err := New(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	rec, err := c.FetchDetail(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, "1001", rec.ListingID, "id falls back to the requested one")
	assert.Equal(t, "379900", rec.Price)

	_, err = c.FetchDetail(context.Background(), "gone")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = c.FetchDetail(context.Background(), "blocked")
	assert.ErrorIs(t, err, apperrors.ErrBlocked)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
