package enrichment

import (
	"context"
	"strconv"

	"porsche-tracker/models"
)

// Model year codes at VIN position 10. The same letter repeats every 30 years.
const yearCodes = "ABCDEFGHJKLMNPRSTVWXY123456789"

var porscheWMI = map[string]string{
	"WP0": "passenger car",
	"WP1": "multipurpose vehicle",
}

var porschePlants = map[byte]string{
	'S': "Stuttgart-Zuffenhausen",
	'L': "Leipzig",
	'K': "Osnabrueck",
	'D': "Bratislava",
}

// Decoder reads what it can straight from the VIN without any I/O.
type Decoder struct{}

// NewDecoder returns the offline decoder.
func NewDecoder() *Decoder { return &Decoder{} }

func (Decoder) Name() string        { return "decoder" }
func (Decoder) Confidence() float64 { return 0.3 }

// Lookup decodes make, body class, model year and plant.
func (Decoder) Lookup(_ context.Context, vin string) (map[string]string, error) {
	if !models.ValidVIN(vin) {
		return nil, ErrNoData
	}

	fields := make(map[string]string)
	if body, ok := porscheWMI[vin[:3]]; ok {
		fields[models.FieldMake] = "Porsche"
		fields[models.FieldBodyClass] = body
	}
	if y, ok := ModelYear(vin); ok {
		fields[models.FieldModelYear] = strconv.Itoa(y)
	}
	if plant, ok := porschePlants[vin[10]]; ok {
		fields[models.FieldPlantCity] = plant
		fields[models.FieldPlantCountry] = "Germany"
		if vin[10] == 'D' {
			fields[models.FieldPlantCountry] = "Slovakia"
		}
	}
	if len(fields) == 0 {
		return nil, ErrNoData
	}
	return fields, nil
}

// ModelYear decodes VIN position 10. A letter at position 7 selects the
// 2010-2039 cycle, a digit the 1980-2009 one.
func ModelYear(vin string) (int, bool) {
	if len(vin) != 17 {
		return 0, false
	}
	idx := -1
	for i := 0; i < len(yearCodes); i++ {
		if yearCodes[i] == vin[9] {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, false
	}
	year := 1980 + idx
	if c := vin[6]; c >= 'A' && c <= 'Z' {
		year += 30
	}
	return year, true
}
