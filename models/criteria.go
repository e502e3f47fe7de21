package models

import (
	"math"
	"strings"
	"time"
)

// ChannelType names a notification transport.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSMS     ChannelType = "sms"
	ChannelWebhook ChannelType = "webhook"
	ChannelLog     ChannelType = "log"
)

// Channel is one configured notification destination of a WatchCriteria.
type Channel struct {
	Type   ChannelType `json:"type" yaml:"type"`
	Target string      `json:"target" yaml:"target"`
}

// String renders "sms:+15551234567".
func (c Channel) String() string {
	return string(c.Type) + ":" + c.Target
}

// WatchCriteria is a user-defined filter. Zero values mean "no constraint".
// Prices are in minor units; distance in miles from HomeLat/HomeLon or HomeZip.
type WatchCriteria struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Owner          string    `json:"owner,omitempty"`
	Make           string    `json:"make,omitempty"`
	Models         []string  `json:"models,omitempty"`
	MinYear        int       `json:"min_year,omitempty"`
	MaxYear        int       `json:"max_year,omitempty"`
	MinPrice       int64     `json:"min_price,omitempty"`
	MaxPrice       int64     `json:"max_price,omitempty"`
	MaxMileage     int       `json:"max_mileage,omitempty"`
	MaxDistanceMi  float64   `json:"max_distance_mi,omitempty"`
	HomeZip        string    `json:"home_zip,omitempty"`
	HomeLat        *float64  `json:"home_lat,omitempty"`
	HomeLon        *float64  `json:"home_lon,omitempty"`
	Conditions     []string  `json:"conditions,omitempty"`
	ExteriorColors []string  `json:"exterior_colors,omitempty"`
	InteriorColors []string  `json:"interior_colors,omitempty"`
	Transmissions  []string  `json:"transmissions,omitempty"`
	Drivetrains    []string  `json:"drivetrains,omitempty"`
	Channels       []Channel `json:"channels,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	LastScanned    time.Time `json:"last_scanned,omitempty"`
}

// Matches reports whether l satisfies every constraint of c. Optional listing
// attributes that are unknown (color, mileage, distance) never disqualify.
func (c WatchCriteria) Matches(l Listing) bool {
	if c.Make != "" && l.Make != "" && !strings.EqualFold(c.Make, l.Make) {
		return false
	}
	if len(c.Models) > 0 && !matchesModel(c.Models, l) {
		return false
	}
	if c.MinYear > 0 && l.Year < c.MinYear {
		return false
	}
	if c.MaxYear > 0 && l.Year > c.MaxYear {
		return false
	}
	if c.MinPrice > 0 && l.Price < c.MinPrice {
		return false
	}
	if c.MaxPrice > 0 && l.Price > c.MaxPrice {
		return false
	}
	if c.MaxMileage > 0 && l.Mileage != nil && *l.Mileage > c.MaxMileage {
		return false
	}
	if c.MaxDistanceMi > 0 {
		if d, ok := c.DistanceTo(l); ok && d > c.MaxDistanceMi {
			return false
		}
	}
	if len(c.Conditions) > 0 && !containsFold(c.Conditions, l.Condition) {
		return false
	}
	if !optionalMatch(c.ExteriorColors, l.Color) ||
		!optionalMatch(c.InteriorColors, l.Interior) ||
		!optionalMatch(c.Transmissions, l.Transmission) ||
		!optionalMatch(c.Drivetrains, l.Drivetrain) {
		return false
	}
	return true
}

// DistanceTo returns the distance in miles between the criteria home and the
// listing. Coordinates win over the source-reported distance.
func (c WatchCriteria) DistanceTo(l Listing) (float64, bool) {
	if c.HomeLat != nil && c.HomeLon != nil && l.Location.HasCoordinates() {
		return HaversineMiles(*c.HomeLat, *c.HomeLon, *l.Location.Latitude, *l.Location.Longitude), true
	}
	if l.DistanceMi != nil {
		return *l.DistanceMi, true
	}
	return 0, false
}

const earthRadiusMi = 3958.8

// HaversineMiles is the great-circle distance between two points.
func HaversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMi * math.Asin(math.Sqrt(a))
}

// matchesModel accepts an exact model or a model+trim prefix on a word
// boundary, so "911 GT3" matches model "911" with trim "GT3 Touring".
func matchesModel(wanted []string, l Listing) bool {
	full := strings.ToLower(strings.TrimSpace(l.Model + " " + l.Trim))
	for _, w := range wanted {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if strings.EqualFold(w, strings.TrimSpace(l.Model)) {
			return true
		}
		if strings.HasPrefix(full, w) && (len(full) == len(w) || full[len(w)] == ' ') {
			return true
		}
	}
	return false
}

func optionalMatch(allowed []string, value string) bool {
	if len(allowed) == 0 || value == "" {
		return true
	}
	return containsFold(allowed, value)
}

func containsFold(list []string, value string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(value)) {
			return true
		}
	}
	return false
}
