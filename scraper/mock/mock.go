// Package mock is an offline SourceClient. It serves programmed results in tests
// and synthesizes deterministic Porsche listings for demos.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"porsche-tracker/apperrors"
	"porsche-tracker/models"
	"porsche-tracker/scraper"
)

// Source is a programmable in-memory SourceClient. It is safe for concurrent use.
type Source struct {
	name string

	mu          sync.Mutex
	results     []models.RawRecord
	searchErr   error
	details     map[string]models.RawRecord
	detailErrs  map[string]error
	delay       time.Duration
	searchCalls int
	detailCalls int

	generate bool
	seed     int64
	perPage  int
}

// New returns an empty programmable source.
func New(name string) *Source {
	if name == "" {
		name = "mock"
	}
	return &Source{
		name:       name,
		details:    make(map[string]models.RawRecord),
		detailErrs: make(map[string]error),
	}
}

// NewGenerated returns a source that synthesizes perPage listings per search.
// Output is a pure function of seed, the search params and the call number.
func NewGenerated(seed int64, perPage int) *Source {
	s := New("mock")
	s.generate = true
	s.seed = seed
	if perPage <= 0 {
		perPage = 12
	}
	s.perPage = perPage
	return s
}

var _ scraper.SourceClient = (*Source)(nil)

func (s *Source) Name() string { return s.name }

// SetResults replaces what the next searches return and clears any search error.
func (s *Source) SetResults(records ...models.RawRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append([]models.RawRecord(nil), records...)
	s.searchErr = nil
	for _, r := range records {
		s.details[r.ListingID] = r
	}
}

// SetSearchError makes searches fail with err until SetResults is called.
func (s *Source) SetSearchError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchErr = err
}

// SetDetail programs FetchDetail for one listing.
func (s *Source) SetDetail(rec models.RawRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[rec.ListingID] = rec
	delete(s.detailErrs, rec.ListingID)
}

// SetDetailError makes FetchDetail(id) fail with err.
func (s *Source) SetDetailError(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailErrs[id] = err
}

// SetDelay makes every call wait d or until its context ends.
func (s *Source) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns the number of searches and detail fetches served.
func (s *Source) Calls() (search, detail int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchCalls, s.detailCalls
}

func (s *Source) Search(ctx context.Context, params scraper.SearchParams) ([]models.RawRecord, error) {
	s.mu.Lock()
	s.searchCalls++
	call := s.searchCalls
	delay := s.delay
	err := s.searchErr
	out := append([]models.RawRecord(nil), s.results...)
	s.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if s.generate {
		out = s.synthesize(params, call)
		s.mu.Lock()
		for _, r := range out {
			s.details[r.ListingID] = r
		}
		s.mu.Unlock()
	}
	now := time.Now().UTC()
	for i := range out {
		out[i].Source = s.name
		if out[i].FetchedAt.IsZero() {
			out[i].FetchedAt = now
		}
	}
	return out, nil
}

func (s *Source) FetchDetail(ctx context.Context, listingID string) (models.RawRecord, error) {
	s.mu.Lock()
	s.detailCalls++
	delay := s.delay
	err, failing := s.detailErrs[listingID]
	rec, ok := s.details[listingID]
	s.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return models.RawRecord{}, err
	}
	if failing {
		return models.RawRecord{}, err
	}
	if !ok {
		return models.RawRecord{}, fmt.Errorf("listing %s: %w", listingID, apperrors.ErrNotFound)
	}
	rec.Source = s.name
	rec.FetchedAt = time.Now().UTC()
	return rec, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	mockModels = []string{"911 Carrera", "911 Carrera S", "911 GT3", "911 Turbo S", "718 Cayman GT4", "Taycan 4S"}
	mockColors = []string{"GT Silver", "Guards Red", "Shark Blue", "Chalk", "Jet Black"}
	mockCities = []struct{ city, state, zip string }{
		{"San Diego", "CA", "92101"}, {"Los Angeles", "CA", "90001"}, {"Irvine", "CA", "92602"},
		{"Phoenix", "AZ", "85001"}, {"Las Vegas", "NV", "89101"},
	}
)

// synthesize returns a stable inventory for params. Every fourth call a few
// listings drop in price and one listing is missing, so demos see changes.
func (s *Source) synthesize(params scraper.SearchParams, call int) []models.RawRecord {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(params.Make + "|" + strings.Join(params.Models, ","))))
	r := rand.New(rand.NewSource(int64(h.Sum64()) ^ s.seed))

	epoch := call / 4
	out := make([]models.RawRecord, 0, s.perPage)
	for i := 0; i < s.perPage; i++ {
		model := mockModels[r.Intn(len(mockModels))]
		if len(params.Models) > 0 {
			model = params.Models[i%len(params.Models)]
		}
		year := 2016 + r.Intn(9)
		if params.MinYear > 0 && year < params.MinYear {
			year = params.MinYear
		}
		if params.MaxYear > 0 && year > params.MaxYear {
			year = params.MaxYear
		}
		price := int64(90_000 + r.Intn(300_000))
		if params.MinPrice > 0 && price < params.MinPrice {
			price = params.MinPrice + int64(r.Intn(10_000))
		}
		if params.MaxPrice > 0 && price > params.MaxPrice {
			price = params.MaxPrice - int64(r.Intn(10_000))
		}
		if i%5 == 0 {
			price -= int64(epoch) * price / 50
		}
		city := mockCities[r.Intn(len(mockCities))]
		id := fmt.Sprintf("MK%04d%02d", h.Sum64()%10000, i+1)
		if epoch > 0 && i == epoch%s.perPage {
			continue
		}

		out = append(out, models.RawRecord{
			ListingID:  id,
			Title:      fmt.Sprintf("%d Porsche %s", year, model),
			Year:       strconv.Itoa(year),
			Make:       "Porsche",
			Model:      model,
			Price:      "$" + strconv.FormatInt(price, 10),
			Mileage:    strconv.Itoa(1_000+r.Intn(40_000)) + " mi",
			Color:      mockColors[r.Intn(len(mockColors))],
			Condition:  "Used",
			VIN:        mockVIN(r, year),
			URL:        "https://example-listings.invalid/listing/" + id,
			DealerName: "Demo Motors " + city.city,
			City:       city.city,
			State:      city.state,
			ZipCode:    city.zip,
			Distance:   strconv.Itoa(5+r.Intn(300)) + " mi",
		})
	}
	return out
}

const vinDigits = "0123456789"

func mockVIN(r *rand.Rand, year int) string {
	yearCodes := "GHJKLMNPRS"
	code := byte('S')
	if idx := year - 2016; idx >= 0 && idx < len(yearCodes) {
		code = yearCodes[idx]
	}
	b := []byte("WP0AB2A9")
	b = append(b, '0', code, 'S')
	for len(b) < 17 {
		b = append(b, vinDigits[r.Intn(len(vinDigits))])
	}
	return string(b)
}
