// Package scraper defines the listing source contract and the rate-limited
// wrapper every engine call goes through.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"porsche-tracker/apperrors"
	"porsche-tracker/metrics"
	"porsche-tracker/models"
	"porsche-tracker/utils"
)

// SourceClient performs one search or one detail fetch against a listing site.
// Failures wrap apperrors.ErrNotFound, ErrBlocked or ErrTimeout where they apply.
type SourceClient interface {
	Name() string
	Search(ctx context.Context, params SearchParams) ([]models.RawRecord, error)
	FetchDetail(ctx context.Context, listingID string) (models.RawRecord, error)
}

// SearchParams is the source-neutral query derived from a WatchCriteria.
// Prices are whole dollars.
type SearchParams struct {
	Make       string
	Models     []string
	MinYear    int
	MaxYear    int
	MinPrice   int64
	MaxPrice   int64
	MaxMileage int
	Zip        string
	DistanceMi int
}

// SearchParamsFor builds search parameters for c.
func SearchParamsFor(c models.WatchCriteria) SearchParams {
	p := SearchParams{
		Make:       c.Make,
		Models:     append([]string(nil), c.Models...),
		MinYear:    c.MinYear,
		MaxYear:    c.MaxYear,
		MinPrice:   c.MinPrice / 100,
		MaxPrice:   (c.MaxPrice + 99) / 100,
		MaxMileage: c.MaxMileage,
		Zip:        c.HomeZip,
		DistanceMi: int(c.MaxDistanceMi + 0.5),
	}
	if p.Make == "" {
		p.Make = "Porsche"
	}
	return p
}

// RateLimited gates every call of a SourceClient through a shared RateLimiter
// and bounds it with a per-call deadline.
type RateLimited struct {
	inner   SourceClient
	limiter *utils.RateLimiter
	timeout time.Duration
	logger  *utils.Logger
}

// NewRateLimited wraps inner. The limiter key is inner.Name().
func NewRateLimited(inner SourceClient, limiter *utils.RateLimiter, timeout time.Duration, logger *utils.Logger) *RateLimited {
	return &RateLimited{inner: inner, limiter: limiter, timeout: timeout, logger: logger}
}

func (r *RateLimited) Name() string { return r.inner.Name() }

func (r *RateLimited) Search(ctx context.Context, params SearchParams) ([]models.RawRecord, error) {
	var out []models.RawRecord
	err := r.call(ctx, "search", func(ctx context.Context) error {
		var err error
		out, err = r.inner.Search(ctx, params)
		return err
	})
	return out, err
}

func (r *RateLimited) FetchDetail(ctx context.Context, listingID string) (models.RawRecord, error) {
	var out models.RawRecord
	err := r.call(ctx, "fetch detail "+listingID, func(ctx context.Context) error {
		var err error
		out, err = r.inner.FetchDetail(ctx, listingID)
		return err
	})
	return out, err
}

func (r *RateLimited) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	permit, err := r.limiter.Acquire(ctx, r.inner.Name())
	metrics.RateLimitWait.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.RateLimitRejections.Inc()
		r.logger.Warn("[source] %s %s: %v", r.inner.Name(), op, err)
		return apperrors.Upstream(op, err)
	}
	defer permit.Release()

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	err = fn(callCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperrors.ErrTimeout) {
		err = fmt.Errorf("%w after %v: %v", apperrors.ErrTimeout, r.timeout, err)
	}
	return apperrors.Upstream(op, err)
}
