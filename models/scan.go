package models

import (
	"sort"
	"time"
)

// ScanEntry is the per-listing bookkeeping kept for one criteria scope.
// Missed counts consecutive successful scans the listing was absent from.
type ScanEntry struct {
	Price    int64     `json:"price"`
	Missed   int       `json:"missed"`
	LastSeen time.Time `json:"last_seen"`
}

// ScanSnapshot is the result of the previous successful discovery scan of a criteria.
type ScanSnapshot struct {
	CriteriaID string               `json:"criteria_id"`
	ScannedAt  time.Time            `json:"scanned_at"`
	Entries    map[string]ScanEntry `json:"entries"`
}

// NewScanSnapshot returns an empty snapshot for criteriaID.
func NewScanSnapshot(criteriaID string) *ScanSnapshot {
	return &ScanSnapshot{CriteriaID: criteriaID, Entries: make(map[string]ScanEntry)}
}

// IDs returns the listing ids in the scope, sorted.
func (s *ScanSnapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Entries))
	for id := range s.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entry returns the bookkeeping for id.
func (s *ScanSnapshot) Entry(id string) (ScanEntry, bool) {
	if s == nil {
		return ScanEntry{}, false
	}
	e, ok := s.Entries[id]
	return e, ok
}

// Clone returns a deep copy.
func (s *ScanSnapshot) Clone() *ScanSnapshot {
	if s == nil {
		return nil
	}
	c := &ScanSnapshot{
		CriteriaID: s.CriteriaID,
		ScannedAt:  s.ScannedAt,
		Entries:    make(map[string]ScanEntry, len(s.Entries)),
	}
	for id, e := range s.Entries {
		c.Entries[id] = e
	}
	return c
}
