package models

import "time"

// MarketReport summarizes the tracked listings of one or all criteria.
type MarketReport struct {
	Scope          string         `json:"scope"`
	TotalListings  int            `json:"total_listings"`
	ActiveListings int            `json:"active_listings"`
	RemovedCount   int            `json:"removed_listings"`
	AveragePrice   int64          `json:"average_price"`
	MedianPrice    int64          `json:"median_price"`
	MinPrice       int64          `json:"min_price"`
	MaxPrice       int64          `json:"max_price"`
	AverageMileage int            `json:"average_mileage"`
	Cheapest       *Listing       `json:"cheapest,omitempty"`
	MostExpensive  *Listing       `json:"most_expensive,omitempty"`
	ByModel        map[string]int `json:"by_model"`
	ByYear         map[int]int    `json:"by_year"`
	BiggestDrops   []PriceMover   `json:"biggest_drops,omitempty"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// PriceMover is a listing with its net price change since first tracked.
type PriceMover struct {
	Listing     Listing `json:"listing"`
	TotalChange int64   `json:"total_change"`
}
