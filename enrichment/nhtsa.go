package enrichment

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"porsche-tracker/models"
)

// vPIC variable names mapped to canonical fields.
var nhtsaFields = map[string]string{
	"Make":                models.FieldMake,
	"Model":               models.FieldModel,
	"Model Year":          models.FieldModelYear,
	"Trim":                models.FieldTrim,
	"Body Class":          models.FieldBodyClass,
	"Fuel Type - Primary": models.FieldFuelType,
	"Drive Type":          models.FieldDriveType,
	"Transmission Style":  models.FieldTransmission,
	"Plant Country":       models.FieldPlantCountry,
	"Plant City":          models.FieldPlantCity,
	"Displacement (L)":    models.FieldEngine,
}

// NHTSA decodes VINs with the public vPIC API.
type NHTSA struct {
	baseURL string
	client  *http.Client
}

// NewNHTSA creates a vPIC provider. baseURL is normally https://vpic.nhtsa.dot.gov.
func NewNHTSA(baseURL string, client *http.Client) *NHTSA {
	return &NHTSA{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient(client)}
}

func (n *NHTSA) Name() string        { return "nhtsa" }
func (n *NHTSA) Confidence() float64 { return 0.3 }

type vpicResponse struct {
	Results []struct {
		Variable string `json:"Variable"`
		Value    string `json:"Value"`
	} `json:"Results"`
}

// Lookup calls /api/vehicles/DecodeVin/{vin}?format=json.
func (n *NHTSA) Lookup(ctx context.Context, vin string) (map[string]string, error) {
	u := n.baseURL + "/api/vehicles/DecodeVin/" + url.PathEscape(vin) + "?format=json"
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var body vpicResponse
	if err := getJSON(ctx, n.client, req, &body); err != nil {
		return nil, err
	}

	fields := make(map[string]string)
	for _, r := range body.Results {
		name, ok := nhtsaFields[r.Variable]
		if !ok {
			continue
		}
		v := strings.TrimSpace(r.Value)
		if v == "" || v == "Not Applicable" || v == "N/A" {
			continue
		}
		if name == models.FieldEngine {
			v += "L"
		}
		fields[name] = v
	}
	if len(fields) == 0 {
		return nil, ErrNoData
	}
	return fields, nil
}
