package models

import "time"

// ObservationSource says which cycle observed a price.
type ObservationSource string

const (
	ObservedByScan  ObservationSource = "scan"
	ObservedByCheck ObservationSource = "targeted_check"
)

// PriceHistoryEntry is an immutable price change record. Delta is zero for
// the first entry of a listing.
type PriceHistoryEntry struct {
	ListingID  string            `json:"listing_id"`
	ObservedAt time.Time         `json:"observed_at"`
	Price      int64             `json:"price"`
	Delta      int64             `json:"delta"`
	Source     ObservationSource `json:"source"`
}

// Trend is the direction of recent price deltas.
type Trend string

const (
	TrendFalling Trend = "falling"
	TrendRising  Trend = "rising"
	TrendFlat    Trend = "flat"
)

// Recommendation is a buy/hold/wait suggestion derived from price history.
type Recommendation struct {
	Action     string `json:"action"`
	Confidence string `json:"confidence"`
	Reason     string `json:"reason"`
	Score      int    `json:"score"`
}

// PriceAnalytics summarizes the price history of one listing.
type PriceAnalytics struct {
	ListingID      string         `json:"listing_id"`
	CurrentPrice   int64          `json:"current_price"`
	OriginalPrice  int64          `json:"original_price"`
	LowestPrice    int64          `json:"lowest_price"`
	HighestPrice   int64          `json:"highest_price"`
	AveragePrice   int64          `json:"average_price"`
	ChangeCount    int            `json:"price_changes_count"`
	TotalChange    int64          `json:"total_price_change"`
	DaysTracked    int            `json:"days_tracked"`
	Volatility     float64        `json:"price_volatility"`
	Trend          Trend          `json:"trend"`
	Recommendation Recommendation `json:"recommendation"`
}
