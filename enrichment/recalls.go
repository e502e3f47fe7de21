package enrichment

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"porsche-tracker/models"
)

// Recalls counts NHTSA safety recalls for a VIN.
type Recalls struct {
	baseURL string
	vehicle string
	client  *http.Client
}

// NewRecalls creates a recall provider. baseURL is normally https://api.nhtsa.gov.
func NewRecalls(baseURL string, client *http.Client) *Recalls {
	return &Recalls{baseURL: strings.TrimRight(baseURL, "/"), vehicle: "porsche", client: httpClient(client)}
}

func (r *Recalls) Name() string        { return "recalls" }
func (r *Recalls) Confidence() float64 { return 0.2 }

type recallsResponse struct {
	Count   *int `json:"Count"`
	Results []struct {
		Campaign  string `json:"NHTSACampaignNumber"`
		Component string `json:"Component"`
	} `json:"results"`
}

// Lookup reports recall_count. Zero recalls is a valid answer.
func (r *Recalls) Lookup(ctx context.Context, vin string) (map[string]string, error) {
	q := url.Values{}
	q.Set("make", r.vehicle)
	q.Set("vin", vin)
	req, err := http.NewRequest(http.MethodGet, r.baseURL+"/recalls/recallsByVehicle?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var body recallsResponse
	if err := getJSON(ctx, r.client, req, &body); err != nil {
		return nil, err
	}

	n := len(body.Results)
	if body.Count != nil && *body.Count > n {
		n = *body.Count
	}
	return map[string]string{models.FieldRecallCount: strconv.Itoa(n)}, nil
}
