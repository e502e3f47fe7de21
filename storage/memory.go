package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"porsche-tracker/models"
)

// MemoryStore is an in-process Store. It is safe for concurrent use and
// hands out copies, so callers never share state through it.
type MemoryStore struct {
	mu          sync.RWMutex
	listings    map[string]models.Listing
	history     map[string][]models.PriceHistoryEntry
	scans       map[string]*models.ScanSnapshot
	enrichments map[string]models.VinEnrichmentRecord
	alerts      map[string]models.AlertEvent
	alertOrder  []string
	criteria    map[string]models.WatchCriteria
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:    make(map[string]models.Listing),
		history:     make(map[string][]models.PriceHistoryEntry),
		scans:       make(map[string]*models.ScanSnapshot),
		enrichments: make(map[string]models.VinEnrichmentRecord),
		alerts:      make(map[string]models.AlertEvent),
		criteria:    make(map[string]models.WatchCriteria),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetListing(_ context.Context, id string) (*models.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *MemoryStore) UpsertListing(_ context.Context, l models.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = l
	return nil
}

func (m *MemoryStore) ListListings(_ context.Context) ([]models.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Listing, 0, len(m.listings))
	for _, l := range m.listings {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendPriceHistory ignores a second entry with the same (listing, observedAt) identity.
func (m *MemoryStore) AppendPriceHistory(_ context.Context, e models.PriceHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.history[e.ListingID]
	for _, existing := range entries {
		if existing.ObservedAt.Equal(e.ObservedAt) {
			return nil
		}
	}
	entries = append(entries, e)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ObservedAt.Before(entries[j].ObservedAt)
	})
	m.history[e.ListingID] = entries
	return nil
}

func (m *MemoryStore) LatestPriceEntry(_ context.Context, listingID string) (*models.PriceHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[listingID]
	if len(entries) == 0 {
		return nil, nil
	}
	e := entries[len(entries)-1]
	return &e, nil
}

func (m *MemoryStore) PriceHistory(_ context.Context, listingID string) ([]models.PriceHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.PriceHistoryEntry(nil), m.history[listingID]...), nil
}

func (m *MemoryStore) GetPreviousScan(_ context.Context, criteriaID string) (*models.ScanSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scans[criteriaID].Clone(), nil
}

func (m *MemoryStore) SaveScan(_ context.Context, snap *models.ScanSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans[snap.CriteriaID] = snap.Clone()
	return nil
}

func (m *MemoryStore) GetCachedEnrichment(_ context.Context, vin string) (*models.VinEnrichmentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.enrichments[vin]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) SaveEnrichment(_ context.Context, rec *models.VinEnrichmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrichments[rec.VIN] = *rec
	return nil
}

func (m *MemoryStore) RecordSentAlert(_ context.Context, ev *models.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[ev.ID]; !ok {
		m.alertOrder = append(m.alertOrder, ev.ID)
	}
	cp := *ev
	cp.Results = append([]models.ChannelResult(nil), ev.Results...)
	m.alerts[ev.ID] = cp
	return nil
}

func (m *MemoryStore) WasAlertSentRecently(_ context.Context, dedupKey string, window time.Duration, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := now.Add(-window)
	for _, ev := range m.alerts {
		if ev.DedupKey == dedupKey && ev.Status == models.AlertSent && ev.SentAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) RecentAlerts(_ context.Context, limit int) ([]models.AlertEvent, error) {
	return m.alertsWhere(limit, func(models.AlertEvent) bool { return true }), nil
}

func (m *MemoryStore) FailedAlerts(_ context.Context, limit int) ([]models.AlertEvent, error) {
	return m.alertsWhere(limit, func(ev models.AlertEvent) bool { return ev.Status == models.AlertFailed }), nil
}

func (m *MemoryStore) alertsWhere(limit int, keep func(models.AlertEvent) bool) []models.AlertEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AlertEvent
	for i := len(m.alertOrder) - 1; i >= 0; i-- {
		ev := m.alerts[m.alertOrder[i]]
		if !keep(ev) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (m *MemoryStore) GetCriteria(_ context.Context, id string) (*models.WatchCriteria, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.criteria[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) ListActiveCriteria(_ context.Context) ([]models.WatchCriteria, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WatchCriteria
	for _, c := range m.criteria {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveCriteria(_ context.Context, c models.WatchCriteria) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.criteria[c.ID] = c
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
