package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"porsche-tracker/models"
)

// VehicleDB is a commercial VIN decoding API that also estimates market
// value. It answers POST {base}/decode {"vin": ...} with a bearer key.
type VehicleDB struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewVehicleDB creates the provider.
func NewVehicleDB(baseURL, apiKey string, client *http.Client) *VehicleDB {
	return &VehicleDB{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: httpClient(client)}
}

func (v *VehicleDB) Name() string        { return "vindb" }
func (v *VehicleDB) Confidence() float64 { return 0.5 }

type vehicleDBResponse struct {
	Make        string           `json:"make"`
	Model       string           `json:"model"`
	Year        json.Number      `json:"year"`
	Trim        string           `json:"trim"`
	Engine      string           `json:"engine"`
	MarketValue *decimal.Decimal `json:"market_value"`
}

// Lookup returns market_value in minor units alongside identity fields.
func (v *VehicleDB) Lookup(ctx context.Context, vin string) (map[string]string, error) {
	payload, err := json.Marshal(map[string]string{"vin": vin})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, v.baseURL+"/decode", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	var body vehicleDBResponse
	if err := getJSON(ctx, v.client, req, &body); err != nil {
		return nil, err
	}

	fields := make(map[string]string)
	set := func(name, value string) {
		if value = strings.TrimSpace(value); value != "" {
			fields[name] = value
		}
	}
	set(models.FieldMake, body.Make)
	set(models.FieldModel, body.Model)
	set(models.FieldModelYear, body.Year.String())
	set(models.FieldTrim, body.Trim)
	set(models.FieldEngine, body.Engine)
	if body.MarketValue != nil && body.MarketValue.IsPositive() {
		fields[models.FieldMarketValue] = body.MarketValue.Mul(decimal.NewFromInt(100)).Round(0).String()
	}
	if len(fields) == 0 {
		return nil, ErrNoData
	}
	return fields, nil
}
