// Package httpjson is a SourceClient for listing sites that expose a JSON API.
//
// Expected endpoints:
//
//	GET {base}/api/search?make=...&model=...&min_price=...  -> {"listings":[...]} or [...]
//	GET {base}/api/listings/{id}                            -> {"listing":{...}} or {...}
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"porsche-tracker/apperrors"
	"porsche-tracker/models"
	"porsche-tracker/scraper"
)

// Options configures a Client.
type Options struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Name      string
	Client    *http.Client
}

// Client talks to a JSON listing API.
type Client struct {
	name      string
	baseURL   string
	apiKey    string
	userAgent string
	client    *http.Client
}

var _ scraper.SourceClient = (*Client)(nil)

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("httpjson: BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("httpjson: invalid BaseURL: %w", err)
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "porsche-tracker/1.0"
	}
	name := opts.Name
	if name == "" {
		name = "httpjson"
	}
	hc := opts.Client
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		name:      name,
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    opts.APIKey,
		userAgent: ua,
		client:    hc,
	}, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) Search(ctx context.Context, params scraper.SearchParams) ([]models.RawRecord, error) {
	u, err := url.Parse(c.baseURL + "/api/search")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if params.Make != "" {
		q.Set("make", params.Make)
	}
	for _, m := range params.Models {
		q.Add("model", m)
	}
	setInt(q, "min_year", int64(params.MinYear))
	setInt(q, "max_year", int64(params.MaxYear))
	setInt(q, "min_price", params.MinPrice)
	setInt(q, "max_price", params.MaxPrice)
	setInt(q, "max_mileage", int64(params.MaxMileage))
	setInt(q, "distance", int64(params.DistanceMi))
	if params.Zip != "" {
		q.Set("zip", params.Zip)
	}
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Listings []map[string]any `json:"listings"`
	}
	if err := decode(body, &wrapped); err == nil && wrapped.Listings != nil {
		return c.records(wrapped.Listings), nil
	}
	var arr []map[string]any
	if err := decode(body, &arr); err != nil {
		return nil, fmt.Errorf("httpjson: search payload parse: %w", err)
	}
	return c.records(arr), nil
}

func (c *Client) FetchDetail(ctx context.Context, listingID string) (models.RawRecord, error) {
	id := strings.TrimSpace(listingID)
	if id == "" {
		return models.RawRecord{}, errors.New("httpjson: listing id is required")
	}
	body, err := c.get(ctx, c.baseURL+"/api/listings/"+url.PathEscape(id))
	if err != nil {
		return models.RawRecord{}, err
	}

	var wrapped struct {
		Listing map[string]any `json:"listing"`
	}
	var m map[string]any
	if err := decode(body, &wrapped); err == nil && wrapped.Listing != nil {
		m = wrapped.Listing
	} else if err := decode(body, &m); err != nil {
		return models.RawRecord{}, fmt.Errorf("httpjson: detail payload parse: %w", err)
	}
	rec := c.record(m)
	if rec.ListingID == "" {
		rec.ListingID = id
	}
	return rec, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("httpjson: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("httpjson: %s: %w", u, apperrors.ErrNotFound)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("httpjson: status %d: %w", resp.StatusCode, apperrors.ErrBlocked)
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("httpjson: status %d: %w", resp.StatusCode, apperrors.ErrTimeout)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("httpjson: http status %d", resp.StatusCode)
	}
	return b, nil
}

func (c *Client) records(in []map[string]any) []models.RawRecord {
	out := make([]models.RawRecord, 0, len(in))
	for _, m := range in {
		out = append(out, c.record(m))
	}
	return out
}

func (c *Client) record(m map[string]any) models.RawRecord {
	return models.RawRecord{
		ListingID:    pick(m, "listing_id", "id"),
		Title:        pick(m, "title"),
		Make:         pick(m, "make"),
		Model:        pick(m, "model"),
		Trim:         pick(m, "trim"),
		Year:         pick(m, "year"),
		Price:        pick(m, "price"),
		Mileage:      pick(m, "mileage", "odometer"),
		ZipCode:      pick(m, "zip", "zip_code", "postal_code"),
		Latitude:     pick(m, "latitude", "lat"),
		Longitude:    pick(m, "longitude", "lon", "lng"),
		Distance:     pick(m, "distance"),
		Color:        pick(m, "exterior_color", "color"),
		Interior:     pick(m, "interior_color"),
		Condition:    pick(m, "condition"),
		Transmission: pick(m, "transmission"),
		Drivetrain:   pick(m, "drivetrain", "drive_type"),
		VIN:          pick(m, "vin"),
		URL:          pick(m, "url"),
		DealerName:   pick(m, "dealer_name", "dealer"),
		City:         pick(m, "city"),
		State:        pick(m, "state"),
		Source:       c.name,
		FetchedAt:    time.Now().UTC(),
	}
}

func decode(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

func pick(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return t
		case json.Number:
			return t.String()
		case bool:
			return strconv.FormatBool(t)
		default:
			return fmt.Sprint(t)
		}
	}
	return ""
}

func setInt(q url.Values, key string, v int64) {
	if v > 0 {
		q.Set(key, strconv.FormatInt(v, 10))
	}
}
