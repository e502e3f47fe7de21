package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"porsche-tracker/apperrors"
	"porsche-tracker/models"
	"porsche-tracker/storage"
)

const testVIN = "WP0AC2A98NS123456"

type stubProvider struct {
	name   string
	conf   float64
	fields map[string]string
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (p *stubProvider) Name() string        { return p.name }
func (p *stubProvider) Confidence() float64 { return p.conf }

func (p *stubProvider) Lookup(ctx context.Context, _ string) (map[string]string, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.fields, p.err
}

func newCoordinator(store storage.EnrichmentStore, providers ...VinProvider) *EnrichmentCoordinator {
	return NewEnrichmentCoordinator(providers, store, 24*time.Hour, 50*time.Millisecond, newTestLogger())
}

func TestEnrichSurvivesFailingProviders(t *testing.T) {
	slow := &stubProvider{name: "slow", conf: 0.5, delay: time.Second, fields: map[string]string{"trim": "never"}}
	broken := &stubProvider{name: "broken", conf: 0.5, err: errors.New("503")}
	good := &stubProvider{name: "good", conf: 0.3, fields: map[string]string{models.FieldTrim: "GT3"}}

	rec, err := newCoordinator(storage.NewMemoryStore(), slow, broken, good).Enrich(context.Background(), testVIN)
	require.NoError(t, err)
	assert.Equal(t, "GT3", rec.Fields[models.FieldTrim])
	assert.InDelta(t, 0.3, rec.Quality, 1e-9)
	require.Len(t, rec.Payloads, 3)
	assert.Contains(t, rec.Payloads[0].Error, "deadline")
	assert.False(t, rec.Payloads[1].OK())
}

func TestEnrichAllProvidersFail(t *testing.T) {
	a := &stubProvider{name: "a", conf: 0.5, err: errors.New("down")}
	b := &stubProvider{name: "b", conf: 0.5}

	_, err := newCoordinator(storage.NewMemoryStore(), a, b).Enrich(context.Background(), testVIN)
	assert.Equal(t, apperrors.KindEnrichmentUnavailable, apperrors.KindOf(err))
}

func TestEnrichRejectsMissingVIN(t *testing.T) {
	p := &stubProvider{name: "a", conf: 1, fields: map[string]string{"make": "Porsche"}}
	_, err := newCoordinator(storage.NewMemoryStore(), p).Enrich(context.Background(), "")
	assert.Equal(t, apperrors.KindEnrichmentUnavailable, apperrors.KindOf(err))
	assert.Zero(t, p.calls.Load())
}

func TestEnrichCacheHonoursTTL(t *testing.T) {
	store := storage.NewMemoryStore()
	p := &stubProvider{name: "a", conf: 0.3, fields: map[string]string{"make": "Porsche"}}
	ec := newCoordinator(store, p)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ec.now = func() time.Time { return now }

	_, err := ec.Enrich(context.Background(), testVIN)
	require.NoError(t, err)
	_, err = ec.Enrich(context.Background(), testVIN)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load(), "second call is a cache hit")

	saved, _ := store.GetCachedEnrichment(context.Background(), testVIN)
	require.NotNil(t, saved)

	now = now.Add(25 * time.Hour)
	_, err = ec.Enrich(context.Background(), testVIN)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load(), "expired record is refetched")
}

func TestEnrichUsesStoredRecord(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.SaveEnrichment(context.Background(), &models.VinEnrichmentRecord{
		VIN: testVIN, Fields: map[string]string{"make": "Porsche"}, FetchedAt: now, TTL: time.Hour,
	}))
	p := &stubProvider{name: "a", conf: 0.3, fields: map[string]string{"make": "x"}}

	rec, err := newCoordinator(store, p).Enrich(context.Background(), testVIN)
	require.NoError(t, err)
	assert.Equal(t, "Porsche", rec.Fields["make"])
	assert.Zero(t, p.calls.Load())
}

func TestEnrichCollapsesConcurrentLookups(t *testing.T) {
	p := &stubProvider{name: "a", conf: 0.3, delay: 20 * time.Millisecond, fields: map[string]string{"make": "Porsche"}}
	ec := newCoordinator(storage.NewMemoryStore(), p)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ec.Enrich(context.Background(), testVIN)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.calls.Load(), int32(2))
}

func TestMergePayloads(t *testing.T) {
	rec := MergePayloads(testVIN, []models.ProviderPayload{
		{Provider: "nhtsa", Confidence: 0.3, Fields: map[string]string{"model": "911", "trim": "", "plant_city": "Zuffenhausen"}},
		{Provider: "decoder", Confidence: 0.3, Fields: map[string]string{"model": "911 GT3", "plant_city": "Stuttgart"}},
		{Provider: "vindb", Confidence: 0.5, Fields: map[string]string{"trim": "GT3", "model": "911"}},
		{Provider: "recalls", Confidence: 0.2, Fields: map[string]string{"recall_count": "1"}},
		{Provider: "down", Confidence: 0.9, Error: "timeout"},
	})

	assert.Equal(t, "911", rec.Fields["model"])
	assert.Equal(t, "vindb", rec.FieldSources["model"])
	assert.Equal(t, "Zuffenhausen", rec.Fields["plant_city"], "tie goes to the earlier provider")
	assert.Equal(t, "nhtsa", rec.FieldSources["plant_city"])
	assert.Equal(t, "GT3", rec.Fields["trim"])
	assert.Equal(t, "1", rec.Fields["recall_count"])
	assert.Equal(t, 1.0, rec.Quality, "0.3+0.3+0.5+0.2 is capped")
}

func TestApplyEnrichment(t *testing.T) {
	l := models.Listing{ID: "L1", Model: "911", LowConfidence: true}
	out := ApplyEnrichment(l, &models.VinEnrichmentRecord{Fields: map[string]string{
		models.FieldMarketValue: "40500000",
		models.FieldModelYear:   "2022",
		models.FieldTrim:        "GT3",
	}})

	require.NotNil(t, out.MarketValue)
	assert.Equal(t, int64(405_000_00), *out.MarketValue)
	assert.Equal(t, 2022, out.Year)
	assert.Equal(t, "GT3", out.Trim)
	assert.False(t, out.LowConfidence)
}

type gatedProvider struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (p *gatedProvider) Name() string        { return "gated" }
func (p *gatedProvider) Confidence() float64 { return 0.8 }

func (p *gatedProvider) Lookup(ctx context.Context, _ string) (map[string]string, error) {
	if p.calls.Add(1) == 1 {
		close(p.started)
	}
	select {
	case <-p.release:
		return map[string]string{models.FieldTrim: "GT3 RS"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEnrichCancelledCallerDoesNotFailOthers(t *testing.T) {
	p := &gatedProvider{started: make(chan struct{}), release: make(chan struct{})}
	ec := NewEnrichmentCoordinator([]VinProvider{p}, storage.NewMemoryStore(), time.Hour, 2*time.Second, newTestLogger())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := ec.Enrich(ctxA, testVIN)
		errA <- err
	}()
	<-p.started

	type result struct {
		rec *models.VinEnrichmentRecord
		err error
	}
	resB := make(chan result, 1)
	go func() {
		rec, err := ec.Enrich(context.Background(), testVIN)
		resB <- result{rec, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared lookup")
	}

	time.Sleep(20 * time.Millisecond)
	close(p.release)

	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.Equal(t, "GT3 RS", r.rec.Fields[models.FieldTrim])
	case <-time.After(3 * time.Second):
		t.Fatal("second caller never got the shared result")
	}
	assert.Equal(t, int32(1), p.calls.Load())
}
