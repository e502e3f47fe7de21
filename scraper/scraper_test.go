package scraper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"porsche-tracker/apperrors"
	"porsche-tracker/models"
	"porsche-tracker/utils"
)

type stubSource struct {
	delay time.Duration
	err   error
	calls int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Search(ctx context.Context, _ SearchParams) ([]models.RawRecord, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return []models.RawRecord{{ListingID: "L1"}}, nil
}

func (s *stubSource) FetchDetail(ctx context.Context, id string) (models.RawRecord, error) {
	recs, err := s.Search(ctx, SearchParams{})
	if err != nil {
		return models.RawRecord{}, err
	}
	return recs[0], nil
}

func TestSearchParamsFor(t *testing.T) {
	c := models.WatchCriteria{
		Models:        []string{"911 GT3"},
		MinPrice:      200_000_00,
		MaxPrice:      399_999_50,
		MaxDistanceMi: 99.6,
		HomeZip:       "92101",
	}
	p := SearchParamsFor(c)
	assert.Equal(t, "Porsche", p.Make)
	assert.Equal(t, int64(200_000), p.MinPrice)
	assert.Equal(t, int64(400_000), p.MaxPrice)
	assert.Equal(t, 100, p.DistanceMi)
	assert.Equal(t, "92101", p.Zip)
}

func TestRateLimitedPassesThrough(t *testing.T) {
	src := &stubSource{}
	rl := NewRateLimited(src, utils.NewRateLimiter(utils.RateLimitConfig{Requests: 5, Window: time.Minute}),
		time.Second, utils.NewNopLogger())

	recs, err := rl.Search(context.Background(), SearchParams{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, "stub", rl.Name())
}

func TestRateLimitedTimeoutIsRecoverable(t *testing.T) {
	src := &stubSource{delay: time.Second}
	rl := NewRateLimited(src, utils.NewRateLimiter(utils.RateLimitConfig{}), 10*time.Millisecond, utils.NewNopLogger())

	_, err := rl.Search(context.Background(), SearchParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.True(t, apperrors.IsRecoverable(err))
}

func TestRateLimitedQuotaExhausted(t *testing.T) {
	src := &stubSource{}
	limiter := utils.NewRateLimiter(utils.RateLimitConfig{Requests: 1, Window: time.Hour, MaxWait: 10 * time.Millisecond})
	rl := NewRateLimited(src, limiter, time.Second, utils.NewNopLogger())

	_, err := rl.Search(context.Background(), SearchParams{})
	require.NoError(t, err)

	_, err = rl.Search(context.Background(), SearchParams{})
	assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
	assert.True(t, apperrors.IsRecoverable(err))
	assert.Equal(t, 1, src.calls, "a rejected caller never reaches the source")
}

func TestRateLimitedKeepsBlocked(t *testing.T) {
	src := &stubSource{err: errors.Join(errors.New("captcha"), apperrors.ErrBlocked)}
	rl := NewRateLimited(src, utils.NewRateLimiter(utils.RateLimitConfig{}), time.Second, utils.NewNopLogger())

	_, err := rl.FetchDetail(context.Background(), "L1")
	assert.True(t, apperrors.IsBlocked(err))
}

func TestRateLimitedParentCancel(t *testing.T) {
	src := &stubSource{delay: time.Second}
	rl := NewRateLimited(src, utils.NewRateLimiter(utils.RateLimitConfig{}), time.Minute, utils.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := rl.Search(ctx, SearchParams{})
	assert.ErrorIs(t, err, context.Canceled)
}
