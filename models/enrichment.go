package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Canonical enrichment field names. Providers may report any subset.
const (
	FieldMake         = "make"
	FieldModel        = "model"
	FieldModelYear    = "model_year"
	FieldTrim         = "trim"
	FieldBodyClass    = "body_class"
	FieldEngine       = "engine"
	FieldFuelType     = "fuel_type"
	FieldDriveType    = "drive_type"
	FieldTransmission = "transmission"
	FieldPlantCountry = "plant_country"
	FieldPlantCity    = "plant_city"
	FieldRecallCount  = "recall_count"
	FieldMarketValue  = "market_value"
)

// ValidVIN reports whether v has 17 characters, all upper-case letters or
// digits, and none of I, O, Q.
func ValidVIN(v string) bool {
	if len(v) != 17 {
		return false
	}
	for _, r := range v {
		switch {
		case r == 'I' || r == 'O' || r == 'Q':
			return false
		case (r < 'A' || r > 'Z') && (r < '0' || r > '9'):
			return false
		}
	}
	return true
}

// ProviderPayload is what one VinProvider returned for a VIN.
type ProviderPayload struct {
	Provider   string            `json:"provider"`
	Confidence float64           `json:"confidence"`
	Fields     map[string]string `json:"fields,omitempty"`
	Error      string            `json:"error,omitempty"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

// OK reports whether the provider produced usable data.
func (p ProviderPayload) OK() bool {
	return p.Error == "" && len(p.Fields) > 0
}

// VinEnrichmentRecord is the merged view of every provider's answer for one VIN.
type VinEnrichmentRecord struct {
	VIN          string            `json:"vin"`
	Payloads     []ProviderPayload `json:"payloads"`
	Fields       map[string]string `json:"fields"`
	FieldSources map[string]string `json:"field_sources,omitempty"`
	Quality      float64           `json:"quality"`
	FetchedAt    time.Time         `json:"fetched_at"`
	TTL          time.Duration     `json:"ttl"`
}

// Fresh reports whether the record is still within its TTL at now.
func (r *VinEnrichmentRecord) Fresh(now time.Time) bool {
	if r == nil || r.TTL <= 0 {
		return false
	}
	return now.Before(r.FetchedAt.Add(r.TTL))
}

// Field returns a merged field value.
func (r *VinEnrichmentRecord) Field(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	v, ok := r.Fields[name]
	return v, ok && v != ""
}

// Deal quality grades, best first.
const (
	DealExcellent  = "excellent"
	DealVeryGood   = "very_good"
	DealGood       = "good"
	DealFair       = "fair"
	DealPoor       = "poor"
	DealOverpriced = "overpriced"
)

// ValueAnalysis compares an asking price with a market value estimate.
type ValueAnalysis struct {
	MarketValue int64           `json:"market_value"`
	Difference  int64           `json:"difference"`
	Percent     decimal.Decimal `json:"percent"`
	DealQuality string          `json:"deal_quality"`
}

var (
	dealExcellentMax = decimal.NewFromInt(-15)
	dealVeryGoodMax  = decimal.NewFromInt(-10)
	dealGoodMax      = decimal.NewFromInt(-5)
	dealFairMax      = decimal.NewFromInt(5)
	dealPoorMax      = decimal.NewFromInt(15)
)

// AnalyzeValue grades price against marketValue. It returns nil when no
// market value is known.
func AnalyzeValue(price, marketValue int64) *ValueAnalysis {
	if marketValue <= 0 {
		return nil
	}
	diff := price - marketValue
	pct := PercentChange(marketValue, price)

	var quality string
	switch {
	case pct.LessThanOrEqual(dealExcellentMax):
		quality = DealExcellent
	case pct.LessThanOrEqual(dealVeryGoodMax):
		quality = DealVeryGood
	case pct.LessThanOrEqual(dealGoodMax):
		quality = DealGood
	case pct.LessThanOrEqual(dealFairMax):
		quality = DealFair
	case pct.LessThanOrEqual(dealPoorMax):
		quality = DealPoor
	default:
		quality = DealOverpriced
	}

	return &ValueAnalysis{
		MarketValue: marketValue,
		Difference:  diff,
		Percent:     pct,
		DealQuality: quality,
	}
}

// PercentChange is (to-from)/from*100 rounded to one decimal place.
func PercentChange(from, to int64) decimal.Decimal {
	if from == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(to - from).
		Div(decimal.NewFromInt(from)).
		Mul(decimal.NewFromInt(100)).
		Round(1)
}
