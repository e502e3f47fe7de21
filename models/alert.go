package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertKind is the change an AlertEvent reports.
type AlertKind string

const (
	AlertNewMatch      AlertKind = "new_match"
	AlertPriceDrop     AlertKind = "price_drop"
	AlertPriceIncrease AlertKind = "price_increase"
	AlertDelisted      AlertKind = "delisted"
)

// AlertStatus is where an AlertEvent is in its delivery lifecycle.
type AlertStatus string

const (
	AlertPending    AlertStatus = "pending"
	AlertSent       AlertStatus = "sent"
	AlertSuppressed AlertStatus = "suppressed"
	AlertFailed     AlertStatus = "failed"
	AlertNoChannels AlertStatus = "no_channels"
)

// ChannelResult records the outcome of one send attempt on one channel.
type ChannelResult struct {
	Channel string    `json:"channel"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// AlertEvent is a notification-worthy change of one listing within one criteria.
type AlertEvent struct {
	ID            string          `json:"id"`
	ListingID     string          `json:"listing_id"`
	CriteriaID    string          `json:"criteria_id"`
	CriteriaName  string          `json:"criteria_name,omitempty"`
	Kind          AlertKind       `json:"kind"`
	DedupKey      string          `json:"dedup_key"`
	OldPrice      int64           `json:"old_price,omitempty"`
	NewPrice      int64           `json:"new_price"`
	Trend         Trend           `json:"trend,omitempty"`
	Listing       Listing         `json:"listing"`
	Value         *ValueAnalysis  `json:"value,omitempty"`
	LowConfidence bool            `json:"low_confidence,omitempty"`
	Status        AlertStatus     `json:"status"`
	Attempts      int             `json:"attempts"`
	Results       []ChannelResult `json:"channel_results,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SentAt        time.Time       `json:"sent_at,omitempty"`
}

// DedupKey identifies repeats of the same alert: one per criteria, listing and kind.
func DedupKey(criteriaID, listingID string, kind AlertKind) string {
	return criteriaID + ":" + listingID + ":" + string(kind)
}

// PriceChange is NewPrice minus OldPrice.
func (e *AlertEvent) PriceChange() int64 {
	return e.NewPrice - e.OldPrice
}

// ChangePercent is the price change relative to OldPrice.
func (e *AlertEvent) ChangePercent() decimal.Decimal {
	return PercentChange(e.OldPrice, e.NewPrice)
}

// FailedChannels lists channels whose latest attempt failed.
func (e *AlertEvent) FailedChannels() []string {
	latest := make(map[string]bool)
	var order []string
	for _, r := range e.Results {
		if _, ok := latest[r.Channel]; !ok {
			order = append(order, r.Channel)
		}
		latest[r.Channel] = r.OK
	}
	var failed []string
	for _, ch := range order {
		if !latest[ch] {
			failed = append(failed, ch)
		}
	}
	return failed
}
