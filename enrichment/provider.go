// Package enrichment holds the VIN data providers the EnrichmentCoordinator
// fans out to. Each provider answers with a partial set of canonical fields
// (see the models.Field* constants) and a fixed confidence.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"porsche-tracker/apperrors"
)

// ErrNoData is returned by a provider that answered but knew nothing about the VIN.
var ErrNoData = errors.New("provider returned no data")

// getJSON fetches url and decodes the body into out.
func getJSON(ctx context.Context, client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.ErrBlocked
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func httpClient(c *http.Client) *http.Client {
	if c == nil {
		return &http.Client{}
	}
	return c
}
