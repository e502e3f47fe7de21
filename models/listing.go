package models

import (
	"strconv"
	"strings"
	"time"
)

// RawRecord holds unprocessed data for one listing exactly as a source returned it.
// Every field is text; the Extractor is responsible for parsing.
type RawRecord struct {
	ListingID    string    `json:"listing_id"`
	Title        string    `json:"title"`
	Make         string    `json:"make"`
	Model        string    `json:"model"`
	Trim         string    `json:"trim"`
	Year         string    `json:"year"`
	Price        string    `json:"price"`
	Mileage      string    `json:"mileage"`
	ZipCode      string    `json:"zip_code"`
	Latitude     string    `json:"latitude"`
	Longitude    string    `json:"longitude"`
	Distance     string    `json:"distance"`
	Color        string    `json:"exterior_color"`
	Interior     string    `json:"interior_color"`
	Condition    string    `json:"condition"`
	Transmission string    `json:"transmission"`
	Drivetrain   string    `json:"drivetrain"`
	VIN          string    `json:"vin"`
	URL          string    `json:"url"`
	DealerName   string    `json:"dealer_name"`
	City         string    `json:"city"`
	State        string    `json:"state"`
	Source       string    `json:"source"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// ListingStatus is the lifecycle status of a listing at the source.
type ListingStatus string

const (
	StatusActive      ListingStatus = "active"
	StatusRemoved     ListingStatus = "removed"
	StatusSoldUnknown ListingStatus = "sold-unknown"
)

// Location is where a vehicle is offered. Either coordinates or a ZIP may be known.
type Location struct {
	ZipCode   string   `json:"zip_code,omitempty"`
	City      string   `json:"city,omitempty"`
	State     string   `json:"state,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are known.
func (l Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// Listing is the canonical record of one vehicle ad. Price is in currency minor units (cents).
type Listing struct {
	ID            string        `json:"id"`
	Make          string        `json:"make"`
	Model         string        `json:"model"`
	Trim          string        `json:"trim,omitempty"`
	Year          int           `json:"year"`
	Price         int64         `json:"price"`
	Mileage       *int          `json:"mileage,omitempty"`
	Location      Location      `json:"location"`
	DistanceMi    *float64      `json:"distance_mi,omitempty"`
	Color         string        `json:"exterior_color,omitempty"`
	Interior      string        `json:"interior_color,omitempty"`
	Condition     string        `json:"condition,omitempty"`
	Transmission  string        `json:"transmission,omitempty"`
	Drivetrain    string        `json:"drivetrain,omitempty"`
	VIN           string        `json:"vin,omitempty"`
	URL           string        `json:"url,omitempty"`
	DealerName    string        `json:"dealer_name,omitempty"`
	FirstSeen     time.Time     `json:"first_seen"`
	LastSeen      time.Time     `json:"last_seen"`
	LastChecked   time.Time     `json:"last_checked,omitempty"`
	Status        ListingStatus `json:"status"`
	MarketValue   *int64        `json:"market_value,omitempty"`
	LowConfidence bool          `json:"low_confidence,omitempty"`
}

// Title renders "2020 Porsche 911 Carrera S".
func (l Listing) Title() string {
	parts := make([]string, 0, 4)
	if l.Year > 0 {
		parts = append(parts, strconv.Itoa(l.Year))
	}
	for _, p := range []string{l.Make, l.Model, l.Trim} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// FormatCents renders minor units as "$389,900".
func FormatCents(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	dollars := strconv.FormatInt(cents/100, 10)
	var out []byte
	for i, c := range []byte(dollars) {
		if i > 0 && (len(dollars)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	s := "$" + string(out)
	if rem := cents % 100; rem != 0 {
		s += "." + strconv.FormatInt(rem/10, 10) + strconv.FormatInt(rem%10, 10)
	}
	if neg {
		s = "-" + s
	}
	return s
}
