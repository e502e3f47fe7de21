package services

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"porsche-tracker/apperrors"
	"porsche-tracker/metrics"
	"porsche-tracker/models"
	"porsche-tracker/storage"
	"porsche-tracker/utils"
)

// VinProvider is one source of VIN data.
type VinProvider interface {
	Name() string
	// Confidence is how far the provider's fields are trusted, in (0,1].
	Confidence() float64
	Lookup(ctx context.Context, vin string) (map[string]string, error)
}

// EnrichmentCoordinator fans a VIN out to every provider and merges the
// answers. Providers are given in priority order, which breaks confidence
// ties. Results are cached in memory and in storage for the record's TTL.
type EnrichmentCoordinator struct {
	providers []VinProvider
	store     storage.EnrichmentStore
	ttl       time.Duration
	timeout   time.Duration
	logger    *utils.Logger
	now       func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]*models.VinEnrichmentRecord
}

// NewEnrichmentCoordinator creates a coordinator. timeout bounds every
// provider call.
func NewEnrichmentCoordinator(providers []VinProvider, store storage.EnrichmentStore, ttl, timeout time.Duration, logger *utils.Logger) *EnrichmentCoordinator {
	return &EnrichmentCoordinator{
		providers: providers,
		store:     store,
		ttl:       ttl,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
		cache:     make(map[string]*models.VinEnrichmentRecord),
	}
}

// Enrich returns the merged record for vin. It fails with
// EnrichmentUnavailable when vin is invalid or every provider failed.
func (ec *EnrichmentCoordinator) Enrich(ctx context.Context, vin string) (*models.VinEnrichmentRecord, error) {
	if !models.ValidVIN(vin) {
		return nil, apperrors.EnrichmentUnavailable(vin, errors.New("missing or invalid VIN"))
	}
	if rec := ec.cached(ctx, vin); rec != nil {
		return rec, nil
	}

	// The shared lookup outlives any single caller; each caller stops
	// waiting on its own context.
	ch := ec.group.DoChan(vin, func() (any, error) {
		fetchCtx, cancel := ec.detached(ctx)
		defer cancel()
		return ec.fetch(fetchCtx, vin)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			ec.logger.Debug("[enrich] %s served by a concurrent lookup", vin)
		}
		return res.Val.(*models.VinEnrichmentRecord), nil
	}
}

// detached keeps ctx's values but not its cancellation. The lookup is
// bounded by twice the provider timeout, leaving room for the cache write.
func (ec *EnrichmentCoordinator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if ec.timeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, 2*ec.timeout)
}

func (ec *EnrichmentCoordinator) cached(ctx context.Context, vin string) *models.VinEnrichmentRecord {
	now := ec.now()

	ec.mu.RLock()
	rec := ec.cache[vin]
	ec.mu.RUnlock()
	if rec.Fresh(now) {
		metrics.EnrichmentLookups.WithLabelValues("cache", "hit").Inc()
		return rec
	}

	stored, err := ec.store.GetCachedEnrichment(ctx, vin)
	if err != nil {
		ec.logger.Warn("[enrich] Cache read for %s failed: %v", vin, err)
		return nil
	}
	if !stored.Fresh(now) {
		return nil
	}
	ec.remember(stored)
	metrics.EnrichmentLookups.WithLabelValues("store", "hit").Inc()
	return stored
}

func (ec *EnrichmentCoordinator) remember(rec *models.VinEnrichmentRecord) {
	ec.mu.Lock()
	ec.cache[rec.VIN] = rec
	ec.mu.Unlock()
}

func (ec *EnrichmentCoordinator) fetch(ctx context.Context, vin string) (*models.VinEnrichmentRecord, error) {
	payloads := make([]models.ProviderPayload, len(ec.providers))

	var wg sync.WaitGroup
	for i, p := range ec.providers {
		wg.Add(1)
		go func(i int, p VinProvider) {
			defer wg.Done()
			payloads[i] = ec.lookup(ctx, p, vin)
		}(i, p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var errs []error
	ok := 0
	for _, p := range payloads {
		if p.OK() {
			ok++
			continue
		}
		errs = append(errs, errors.New(p.Provider+": "+p.Error))
	}
	if ok == 0 {
		return nil, apperrors.EnrichmentUnavailable(vin, errors.Join(errs...))
	}

	rec := MergePayloads(vin, payloads)
	rec.FetchedAt = ec.now()
	rec.TTL = ec.ttl
	ec.logger.Info("[enrich] %s enriched by %d/%d providers (quality %.2f)", vin, ok, len(payloads), rec.Quality)

	if err := ec.store.SaveEnrichment(ctx, rec); err != nil {
		ec.logger.Warn("[enrich] Saving %s failed: %v", vin, err)
	}
	ec.remember(rec)
	return rec, nil
}

func (ec *EnrichmentCoordinator) lookup(ctx context.Context, p VinProvider, vin string) models.ProviderPayload {
	callCtx := ctx
	if ec.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, ec.timeout)
		defer cancel()
	}

	payload := models.ProviderPayload{Provider: p.Name(), Confidence: p.Confidence(), FetchedAt: ec.now()}
	fields, err := p.Lookup(callCtx, vin)
	switch {
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(apperrors.ErrTimeout, err)
		}
		payload.Error = err.Error()
		ec.logger.Warn("[enrich] Provider %s failed for %s: %v", p.Name(), vin, err)
		metrics.EnrichmentLookups.WithLabelValues(p.Name(), "error").Inc()
	case len(fields) == 0:
		payload.Error = "no data"
		metrics.EnrichmentLookups.WithLabelValues(p.Name(), "empty").Inc()
	default:
		payload.Fields = fields
		metrics.EnrichmentLookups.WithLabelValues(p.Name(), "ok").Inc()
	}
	return payload
}

// MergePayloads combines provider answers given in priority order. For each
// field the highest-confidence non-empty value wins; on equal confidence the
// earlier provider keeps it. Quality is the summed confidence of the
// providers that answered, capped at 1.
func MergePayloads(vin string, payloads []models.ProviderPayload) *models.VinEnrichmentRecord {
	rec := &models.VinEnrichmentRecord{
		VIN:          vin,
		Payloads:     payloads,
		Fields:       make(map[string]string),
		FieldSources: make(map[string]string),
	}
	best := make(map[string]float64)

	for _, p := range payloads {
		if !p.OK() {
			continue
		}
		rec.Quality += p.Confidence
		for name, value := range p.Fields {
			if value == "" {
				continue
			}
			if conf, seen := best[name]; seen && p.Confidence <= conf {
				continue
			}
			best[name] = p.Confidence
			rec.Fields[name] = value
			rec.FieldSources[name] = p.Provider
		}
	}
	if rec.Quality > 1 {
		rec.Quality = 1
	}
	return rec
}

// ApplyEnrichment copies what a VIN record knows onto a listing: the market
// value estimate and identity fields the source left empty.
func ApplyEnrichment(l models.Listing, rec *models.VinEnrichmentRecord) models.Listing {
	if rec == nil {
		return l
	}
	if v, ok := rec.Field(models.FieldMarketValue); ok {
		if mv, err := strconv.ParseInt(v, 10, 64); err == nil && mv > 0 {
			l.MarketValue = &mv
		}
	}
	if l.Year == 0 {
		if v, ok := rec.Field(models.FieldModelYear); ok {
			if y, err := strconv.Atoi(v); err == nil {
				l.Year = y
			}
		}
	}
	if l.Trim == "" {
		l.Trim, _ = rec.Field(models.FieldTrim)
	}
	if l.Transmission == "" {
		l.Transmission, _ = rec.Field(models.FieldTransmission)
	}
	if l.Drivetrain == "" {
		l.Drivetrain, _ = rec.Field(models.FieldDriveType)
	}
	l.LowConfidence = false
	return l
}
