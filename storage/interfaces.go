package storage

import (
	"context"
	"time"

	"porsche-tracker/models"
)

// Lookups return (nil, nil) when the record does not exist.

// ListingStore holds the canonical Listing records.
type ListingStore interface {
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	UpsertListing(ctx context.Context, l models.Listing) error
	ListListings(ctx context.Context) ([]models.Listing, error)
}

// PriceHistoryStore is the append-only price log.
type PriceHistoryStore interface {
	AppendPriceHistory(ctx context.Context, e models.PriceHistoryEntry) error
	LatestPriceEntry(ctx context.Context, listingID string) (*models.PriceHistoryEntry, error)
	// PriceHistory returns entries oldest first.
	PriceHistory(ctx context.Context, listingID string) ([]models.PriceHistoryEntry, error)
}

// ScanStore keeps the previous successful scan of each criteria.
type ScanStore interface {
	GetPreviousScan(ctx context.Context, criteriaID string) (*models.ScanSnapshot, error)
	SaveScan(ctx context.Context, snap *models.ScanSnapshot) error
}

// EnrichmentStore caches merged VIN records.
type EnrichmentStore interface {
	GetCachedEnrichment(ctx context.Context, vin string) (*models.VinEnrichmentRecord, error)
	SaveEnrichment(ctx context.Context, rec *models.VinEnrichmentRecord) error
}

// AlertStore records dispatched and permanently failed alerts.
type AlertStore interface {
	// RecordSentAlert stores ev keyed by its ID, replacing an earlier version.
	RecordSentAlert(ctx context.Context, ev *models.AlertEvent) error
	// WasAlertSentRecently reports whether an event with dedupKey was sent
	// within window before now. Only sent events count.
	WasAlertSentRecently(ctx context.Context, dedupKey string, window time.Duration, now time.Time) (bool, error)
	// RecentAlerts returns the newest events first.
	RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error)
	FailedAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error)
}

// CriteriaStore is the read side of the criteria management interface.
type CriteriaStore interface {
	GetCriteria(ctx context.Context, id string) (*models.WatchCriteria, error)
	ListActiveCriteria(ctx context.Context) ([]models.WatchCriteria, error)
}

// CriteriaWriter is the write side, used by the seed loader.
type CriteriaWriter interface {
	SaveCriteria(ctx context.Context, c models.WatchCriteria) error
}

// Store is the complete persistence interface the engine runs against.
type Store interface {
	ListingStore
	PriceHistoryStore
	ScanStore
	EnrichmentStore
	AlertStore
	CriteriaStore
	CriteriaWriter
	Close() error
}

// RawArchive persists unprocessed source records for debugging.
type RawArchive interface {
	WriteRaw(criteriaID string, records []models.RawRecord) error
	Close() error
}
