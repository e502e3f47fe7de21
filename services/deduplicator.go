package services

import (
	"sort"
	"time"

	"porsche-tracker/models"
)

// Transition is the Deduplicator's verdict for one listing in one scan.
type Transition string

const (
	TransitionNewMatch      Transition = "new_match"
	TransitionPriceDrop     Transition = "price_drop"
	TransitionPriceIncrease Transition = "price_increase"
	TransitionUnchanged     Transition = "unchanged"
	TransitionDelisted      Transition = "delisted"
	// TransitionIgnored is an unknown listing that does not match the criteria.
	TransitionIgnored Transition = "ignored"
)

// AlertKind maps a transition to the alert it produces, if any.
func (t Transition) AlertKind() (models.AlertKind, bool) {
	switch t {
	case TransitionNewMatch:
		return models.AlertNewMatch, true
	case TransitionPriceDrop:
		return models.AlertPriceDrop, true
	case TransitionPriceIncrease:
		return models.AlertPriceIncrease, true
	case TransitionDelisted:
		return models.AlertDelisted, true
	}
	return "", false
}

// Decision is the outcome of classifying one observed listing.
type Decision struct {
	Transition Transition
	// Listing is the observation merged onto the stored record.
	Listing models.Listing
	// OldPrice is the scope's previous price for PriceDrop/PriceIncrease.
	OldPrice int64
	// InScope reports whether the listing belongs in the criteria's next snapshot.
	InScope bool
}

// Deduplicator decides whether a listing is new, changed, unchanged or gone
// for one criteria scope. It holds no state of its own: the previous scan
// snapshot and the stored listing are passed in, so the caller controls
// locking and re-reads.
type Deduplicator struct {
	delistAfter int
}

// NewDeduplicator creates a Deduplicator that marks a listing Delisted after
// delistAfter consecutive successful scans without it. Values below 1 mean 1.
func NewDeduplicator(delistAfter int) *Deduplicator {
	if delistAfter < 1 {
		delistAfter = 1
	}
	return &Deduplicator{delistAfter: delistAfter}
}

// DelistAfter returns the configured absence tolerance.
func (d *Deduplicator) DelistAfter() int {
	return d.delistAfter
}

// Classify compares an observed listing with the previous snapshot of the
// criteria scope and the stored record. stored must be a fresh read; a nil
// stored record is treated as Unknown even when the scope still lists it.
func (d *Deduplicator) Classify(prev *models.ScanSnapshot, stored *models.Listing, observed models.Listing, c models.WatchCriteria) Decision {
	merged := mergeObservation(stored, observed)

	entry, inScope := prev.Entry(observed.ID)
	if !inScope || stored == nil {
		if !c.Matches(merged) {
			return Decision{Transition: TransitionIgnored, Listing: merged}
		}
		return Decision{Transition: TransitionNewMatch, Listing: merged, InScope: true}
	}

	dec := Decision{Listing: merged, OldPrice: entry.Price, InScope: true}
	switch {
	case observed.Price < entry.Price:
		dec.Transition = TransitionPriceDrop
	case observed.Price > entry.Price:
		dec.Transition = TransitionPriceIncrease
	default:
		dec.Transition = TransitionUnchanged
		dec.OldPrice = 0
	}
	return dec
}

// Advance builds the next snapshot from the previous one and the prices of
// the listings present in this scan. Listings missing from present get their
// miss counter bumped and are returned in delisted, sorted, once the counter
// reaches the configured tolerance. Only successful scans may advance a
// snapshot.
func (d *Deduplicator) Advance(prev *models.ScanSnapshot, criteriaID string, present map[string]int64, now time.Time) (*models.ScanSnapshot, []string) {
	next := models.NewScanSnapshot(criteriaID)
	next.ScannedAt = now
	for id, price := range present {
		next.Entries[id] = models.ScanEntry{Price: price, LastSeen: now}
	}

	var delisted []string
	if prev != nil {
		for id, e := range prev.Entries {
			if _, ok := present[id]; ok {
				continue
			}
			e.Missed++
			if e.Missed >= d.delistAfter {
				delisted = append(delisted, id)
				continue
			}
			next.Entries[id] = e
		}
	}
	sort.Strings(delisted)
	return next, delisted
}

// mergeObservation lays a fresh observation over the stored record. Search
// results carry fewer fields than detail pages, so empty observed fields keep
// the stored value.
func mergeObservation(stored *models.Listing, observed models.Listing) models.Listing {
	merged := observed
	merged.Status = models.StatusActive
	if merged.FirstSeen.IsZero() {
		merged.FirstSeen = observed.LastSeen
	}
	if stored == nil {
		return merged
	}

	if !stored.FirstSeen.IsZero() {
		merged.FirstSeen = stored.FirstSeen
	}
	merged.LastChecked = stored.LastChecked
	merged.MarketValue = stored.MarketValue
	merged.LowConfidence = stored.LowConfidence

	if merged.VIN == "" {
		merged.VIN = stored.VIN
	}
	if merged.Mileage == nil {
		merged.Mileage = stored.Mileage
	}
	if merged.DistanceMi == nil {
		merged.DistanceMi = stored.DistanceMi
	}
	if merged.Color == "" {
		merged.Color = stored.Color
	}
	if merged.Interior == "" {
		merged.Interior = stored.Interior
	}
	if merged.Condition == "" {
		merged.Condition = stored.Condition
	}
	if merged.Transmission == "" {
		merged.Transmission = stored.Transmission
	}
	if merged.Drivetrain == "" {
		merged.Drivetrain = stored.Drivetrain
	}
	if merged.DealerName == "" {
		merged.DealerName = stored.DealerName
	}
	if merged.URL == "" {
		merged.URL = stored.URL
	}
	if merged.Trim == "" {
		merged.Trim = stored.Trim
	}
	if merged.Year == 0 {
		merged.Year = stored.Year
	}
	if merged.Location.ZipCode == "" && merged.Location.City == "" && !merged.Location.HasCoordinates() {
		merged.Location = stored.Location
	}
	return merged
}
