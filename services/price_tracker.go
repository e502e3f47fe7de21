package services

import (
	"context"
	"time"

	"porsche-tracker/apperrors"
	"porsche-tracker/models"
	"porsche-tracker/storage"
	"porsche-tracker/utils"
)

// PriceTracker appends price changes to the history of each listing and
// classifies recent movement. Writes for one listing are serialized and
// strictly ordered by observation time.
type PriceTracker struct {
	store       storage.PriceHistoryStore
	locks       *utils.KeyedMutex
	trendWindow int
	logger      *utils.Logger
}

// NewPriceTracker creates a PriceTracker. trendWindow is the number of recent
// deltas Trend looks at.
func NewPriceTracker(store storage.PriceHistoryStore, trendWindow int, logger *utils.Logger) *PriceTracker {
	if trendWindow < 1 {
		trendWindow = 3
	}
	return &PriceTracker{
		store:       store,
		locks:       utils.NewKeyedMutex(),
		trendWindow: trendWindow,
		logger:      logger,
	}
}

// Record stores a new entry when price differs from the latest one. It
// returns recorded=false, with the latest entry, when the price is unchanged
// or when observedAt is not after the latest observation.
func (pt *PriceTracker) Record(ctx context.Context, listingID string, price int64, observedAt time.Time, source models.ObservationSource) (models.PriceHistoryEntry, bool, error) {
	unlock := pt.locks.Lock(listingID)
	defer unlock()

	latest, err := pt.store.LatestPriceEntry(ctx, listingID)
	if err != nil {
		return models.PriceHistoryEntry{}, false, apperrors.Persistence("latest price", err)
	}

	entry := models.PriceHistoryEntry{
		ListingID:  listingID,
		ObservedAt: observedAt,
		Price:      price,
		Source:     source,
	}
	if latest != nil {
		if !observedAt.After(latest.ObservedAt) {
			pt.logger.Debug("[prices] Stale observation for %s at %s ignored", listingID, observedAt.Format(time.RFC3339))
			return *latest, false, nil
		}
		if latest.Price == price {
			return *latest, false, nil
		}
		entry.Delta = price - latest.Price
	}

	if err := pt.store.AppendPriceHistory(ctx, entry); err != nil {
		return models.PriceHistoryEntry{}, false, apperrors.Persistence("append price history", err)
	}
	pt.logger.Debug("[prices] %s now %s (delta %s)", listingID, models.FormatCents(price), models.FormatCents(entry.Delta))
	return entry, true, nil
}

// Trend classifies the listing's last deltas.
func (pt *PriceTracker) Trend(ctx context.Context, listingID string) (models.Trend, error) {
	entries, err := pt.store.PriceHistory(ctx, listingID)
	if err != nil {
		return models.TrendFlat, apperrors.Persistence("price history", err)
	}
	return TrendOf(entries, pt.trendWindow), nil
}

// TrendOf looks at the deltas of the last k entries (the first entry of a
// listing has no delta and is skipped). A negative net change is falling, a
// positive one rising, anything else flat.
func TrendOf(entries []models.PriceHistoryEntry, k int) models.Trend {
	if len(entries) > 0 {
		entries = entries[1:]
	}
	if k > 0 && len(entries) > k {
		entries = entries[len(entries)-k:]
	}

	var net int64
	for _, e := range entries {
		net += e.Delta
	}
	switch {
	case net < 0:
		return models.TrendFalling
	case net > 0:
		return models.TrendRising
	}
	return models.TrendFlat
}
