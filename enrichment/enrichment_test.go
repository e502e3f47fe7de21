package enrichment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"porsche-tracker/apperrors"
	"porsche-tracker/models"
)

const testVIN = "WP0AC2A98NS123456"

func TestNHTSALookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/vehicles/DecodeVin/"+testVIN, r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(`{"Results":[
			{"Variable":"Make","Value":"PORSCHE"},
			{"Variable":"Model","Value":"911"},
			{"Variable":"Model Year","Value":"2022"},
			{"Variable":"Trim","Value":"Not Applicable"},
			{"Variable":"Displacement (L)","Value":"4.0"},
			{"Variable":"Error Code","Value":"0"}
		]}`))
	}))
	defer srv.Close()

	fields, err := NewNHTSA(srv.URL, srv.Client()).Lookup(context.Background(), testVIN)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		models.FieldMake:      "PORSCHE",
		models.FieldModel:     "911",
		models.FieldModelYear: "2022",
		models.FieldEngine:    "4.0L",
	}, fields)
}

func TestNHTSAEmptyAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/vehicles/DecodeVin/EMPTY":
			_, _ = w.Write([]byte(`{"Results":[]}`))
		case "/api/vehicles/DecodeVin/LIMIT":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	n := NewNHTSA(srv.URL, srv.Client())

	_, err := n.Lookup(context.Background(), "EMPTY")
	assert.ErrorIs(t, err, ErrNoData)
	_, err = n.Lookup(context.Background(), "LIMIT")
	assert.ErrorIs(t, err, apperrors.ErrBlocked)
	_, err = n.Lookup(context.Background(), "BOOM")
	assert.Error(t, err)
}

func TestRecallsLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/recalls/recallsByVehicle", r.URL.Path)
		assert.Equal(t, "porsche", r.URL.Query().Get("make"))
		assert.Equal(t, testVIN, r.URL.Query().Get("vin"))
		_, _ = w.Write([]byte(`{"Count":2,"results":[{"NHTSACampaignNumber":"22V001"},{"NHTSACampaignNumber":"23V002"}]}`))
	}))
	defer srv.Close()

	fields, err := NewRecalls(srv.URL, srv.Client()).Lookup(context.Background(), testVIN)
	require.NoError(t, err)
	assert.Equal(t, "2", fields[models.FieldRecallCount])
}

func TestVehicleDBLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, testVIN, body["vin"])
		_, _ = w.Write([]byte(`{"make":"Porsche","model":"911","year":2022,"trim":"GT3","market_value":405000.50}`))
	}))
	defer srv.Close()

	fields, err := NewVehicleDB(srv.URL, "secret", srv.Client()).Lookup(context.Background(), testVIN)
	require.NoError(t, err)
	assert.Equal(t, "GT3", fields[models.FieldTrim])
	assert.Equal(t, "2022", fields[models.FieldModelYear])
	assert.Equal(t, "40500050", fields[models.FieldMarketValue])
}

func TestDecoder(t *testing.T) {
	fields, err := NewDecoder().Lookup(context.Background(), "WP0AC2A98NS123456")
	require.NoError(t, err)
	assert.Equal(t, "Porsche", fields[models.FieldMake])
	assert.Equal(t, "2022", fields[models.FieldModelYear])
	assert.Equal(t, "Stuttgart-Zuffenhausen", fields[models.FieldPlantCity])

	_, err = NewDecoder().Lookup(context.Background(), "too-short")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestModelYear(t *testing.T) {
	tests := []struct {
		vin  string
		want int
		ok   bool
	}{
		{"WP0AC2A98NS123456", 2022, true},
		{"WP0AB29985S123456", 2005, true},
		{"WP0AA2991AS123456", 1980, true},
		{"WP0AC2A98US123456", 0, false},
	}
	for _, tt := range tests {
		got, ok := ModelYear(tt.vin)
		assert.Equal(t, tt.ok, ok, tt.vin)
		assert.Equal(t, tt.want, got, tt.vin)
	}
}
