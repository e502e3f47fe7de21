package services

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"porsche-tracker/apperrors"
	"porsche-tracker/models"
	"porsche-tracker/utils"
)

var (
	// priceRegexp captures numeric price values
	priceRegexp = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	// integerRegexp captures the first grouped integer, e.g. "12,345 mi"
	integerRegexp = regexp.MustCompile(`\d[\d,]*`)
	// decimalRegexp captures a signed decimal number
	decimalRegexp = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// Extractor turns RawRecords into canonical Listings. It performs no I/O and
// the same record always yields the same Listing.
type Extractor struct {
	logger *utils.Logger
}

// NewExtractor creates an Extractor with the given logger.
func NewExtractor(logger *utils.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Batch is the outcome of extracting one scan's records.
type Batch struct {
	Listings []models.Listing
	// SeenIDs holds every distinct id the source returned, including records
	// that failed extraction.
	SeenIDs   []string
	Malformed []error
}

// Extract normalizes one record. Records without an id, a price or a model
// fail with a MalformedRecord error.
func (e *Extractor) Extract(raw models.RawRecord) (models.Listing, error) {
	id := strings.TrimSpace(raw.ListingID)
	if id == "" {
		return models.Listing{}, apperrors.Malformed("", "missing listing id")
	}

	year, brand, model, trim := parseTitle(raw.Title)
	if v := normaliseText(raw.Make); v != "" {
		brand = v
	}
	if v := normaliseText(raw.Model); v != "" {
		if !strings.EqualFold(v, model) {
			trim = ""
		}
		model = v
	}
	if v := normaliseText(raw.Trim); v != "" {
		trim = v
	}
	if y, ok := parseYear(raw.Year); ok {
		year = y
	}
	if model == "" {
		return models.Listing{}, apperrors.Malformed(id, "missing model")
	}
	if brand == "" {
		brand = "Porsche"
	}

	price, ok := parsePrice(raw.Price)
	if !ok {
		return models.Listing{}, apperrors.Malformed(id, "missing price")
	}

	l := models.Listing{
		ID:           id,
		Make:         brand,
		Model:        model,
		Trim:         trim,
		Year:         year,
		Price:        price,
		Mileage:      parseMileage(raw.Mileage),
		DistanceMi:   parseFloat(raw.Distance),
		Color:        normaliseText(raw.Color),
		Interior:     normaliseText(raw.Interior),
		Condition:    normaliseCondition(raw.Condition),
		Transmission: normaliseText(raw.Transmission),
		Drivetrain:   normaliseText(raw.Drivetrain),
		VIN:          normaliseVIN(raw.VIN),
		URL:          strings.TrimSpace(raw.URL),
		DealerName:   normaliseText(raw.DealerName),
		LastSeen:     raw.FetchedAt,
		Status:       models.StatusActive,
		Location: models.Location{
			ZipCode:   strings.TrimSpace(raw.ZipCode),
			City:      normaliseText(raw.City),
			State:     strings.ToUpper(strings.TrimSpace(raw.State)),
			Latitude:  parseFloat(raw.Latitude),
			Longitude: parseFloat(raw.Longitude),
		},
	}
	return l, nil
}

// ExtractAll processes a scan's records. Duplicate ids keep the first record.
func (e *Extractor) ExtractAll(raw []models.RawRecord) Batch {
	seen := make(map[string]struct{}, len(raw))
	batch := Batch{Listings: make([]models.Listing, 0, len(raw))}

	for _, r := range raw {
		id := strings.TrimSpace(r.ListingID)
		if id != "" {
			if _, dup := seen[id]; dup {
				e.logger.Debug("[extractor] Duplicate listing skipped: %s", id)
				continue
			}
			seen[id] = struct{}{}
			batch.SeenIDs = append(batch.SeenIDs, id)
		}

		l, err := e.Extract(r)
		if err != nil {
			e.logger.Warn("[extractor] Skipping record %q: %v", id, err)
			batch.Malformed = append(batch.Malformed, err)
			continue
		}
		batch.Listings = append(batch.Listings, l)
	}

	e.logger.Debug("[extractor] Extracted %d of %d records (malformed %d)",
		len(batch.Listings), len(raw), len(batch.Malformed))
	return batch
}

// parseTitle splits "2020 Porsche 911 Carrera S" into its parts. The first
// word after the make is the model, the rest is the trim.
func parseTitle(title string) (year int, brand, model, trim string) {
	parts := strings.Fields(title)
	if len(parts) > 0 {
		if y, ok := parseYear(parts[0]); ok {
			year = y
			parts = parts[1:]
		}
	}
	if len(parts) > 0 && strings.EqualFold(parts[0], "porsche") {
		brand = "Porsche"
		parts = parts[1:]
	}
	if len(parts) > 0 {
		model = parts[0]
	}
	if len(parts) > 1 {
		trim = strings.Join(parts[1:], " ")
	}
	return year, brand, model, trim
}

func parseYear(s string) (int, bool) {
	y, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || y < 1948 || y > 2100 {
		return 0, false
	}
	return y, true
}

// parsePrice returns minor units. Examples:
//
//	"$389,900"       → 38990000
//	"389900"         → 38990000
//	"$1,234.56"      → 123456
//	"Call for price" → not ok
func parsePrice(raw string) (int64, bool) {
	match := priceRegexp.FindString(raw)
	if match == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(match, ",", ""))
	if err != nil {
		return 0, false
	}
	cents := d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	if cents <= 0 {
		return 0, false
	}
	return cents, true
}

func parseMileage(raw string) *int {
	match := integerRegexp.FindString(raw)
	if match == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.ReplaceAll(match, ",", ""))
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

func parseFloat(raw string) *float64 {
	match := decimalRegexp.FindString(raw)
	if match == "" {
		return nil
	}
	f, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return nil
	}
	return &f
}

func normaliseCondition(s string) string {
	s = strings.ToLower(normaliseText(s))
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "certified") || s == "cpo":
		return "certified"
	case strings.Contains(s, "new"):
		return "new"
	case strings.Contains(s, "used") || strings.Contains(s, "pre-owned"):
		return "used"
	}
	return s
}

// normaliseVIN upper-cases the VIN and drops it when it cannot be valid.
func normaliseVIN(s string) string {
	v := strings.ToUpper(strings.TrimSpace(s))
	if !models.ValidVIN(v) {
		return ""
	}
	return v
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	s = strings.TrimSpace(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}
