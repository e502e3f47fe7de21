package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"porsche-tracker/config"
	"porsche-tracker/models"
	"porsche-tracker/services"
	"porsche-tracker/storage"
	"porsche-tracker/utils"
)

func TestBuildReportLimitsToCriteriaScope(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, l := range []models.Listing{
		{ID: "A", Make: "Porsche", Model: "911", Year: 2022, Price: 18990000, Status: models.StatusActive, FirstSeen: now},
		{ID: "B", Make: "Porsche", Model: "911", Year: 2023, Price: 21990000, Status: models.StatusActive, FirstSeen: now},
		{ID: "C", Make: "Porsche", Model: "Taycan", Year: 2021, Price: 8990000, Status: models.StatusActive, FirstSeen: now},
	} {
		require.NoError(t, store.UpsertListing(ctx, l))
		require.NoError(t, store.AppendPriceHistory(ctx, models.PriceHistoryEntry{ListingID: l.ID, ObservedAt: now, Price: l.Price}))
	}
	snap := models.NewScanSnapshot("gt3")
	snap.Entries["A"] = models.ScanEntry{Price: 18990000, LastSeen: now}
	snap.Entries["B"] = models.ScanEntry{Price: 21990000, LastSeen: now}
	require.NoError(t, store.SaveScan(ctx, snap))

	insights := services.NewInsightService(3, utils.NewNopLogger())

	all, err := buildReport(ctx, store, insights, "")
	require.NoError(t, err)
	assert.Equal(t, "all", all.Scope)
	assert.Equal(t, 3, all.TotalListings)

	gt3, err := buildReport(ctx, store, insights, "gt3")
	require.NoError(t, err)
	assert.Equal(t, "gt3", gt3.Scope)
	assert.Equal(t, 2, gt3.TotalListings)
	assert.Equal(t, 2, gt3.ByModel["911"])
	assert.Zero(t, gt3.ByModel["Taycan"])

	none, err := buildReport(ctx, store, insights, "unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, none.TotalListings)
}

func TestEngineConfigCarriesSettings(t *testing.T) {
	cfg := &config.Config{
		DiscoveryInterval:  30 * time.Minute,
		PriceCheckInterval: time.Hour,
		WorkerPoolSize:     4,
		BackoffBase:        time.Minute,
		BlockedBackoffBase: 5 * time.Minute,
		BackoffCap:         30 * time.Minute,
		DelistAfterMisses:  2,
		MaxAlertRetries:    5,
	}
	ec := engineConfig(cfg)
	assert.Equal(t, 30*time.Minute, ec.DiscoveryInterval)
	assert.Equal(t, time.Hour, ec.PriceCheckInterval)
	assert.Equal(t, 4, ec.Workers)
	assert.Equal(t, 5*time.Minute, ec.BlockedBackoffBase)
	assert.Equal(t, 2, ec.DelistAfter)
	assert.Equal(t, 5, ec.MaxAlertRetries)
}

func TestSeedCriteriaSkipsMissingFile(t *testing.T) {
	a := &app{
		cfg:    &config.Config{CriteriaFile: t.TempDir() + "/none.yaml"},
		logger: utils.NewNopLogger(),
		store:  storage.NewMemoryStore(),
	}
	n, err := a.seedCriteria(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}
