// Package cargurus drives a headless browser through a car-listing site's
// search and detail pages.
package cargurus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"porsche-tracker/apperrors"
	"porsche-tracker/models"
	"porsche-tracker/scraper"
	"porsche-tracker/utils"
)

const sourceName = "cargurus"

// Options configures the browser client.
type Options struct {
	BaseURL        string
	ChromeBin      string
	PagesToScrape  int
	ResultsPerPage int
	MaxRetries     int
}

// Client is a chromedp-backed SourceClient. One browser process is shared by
// all calls; each call opens its own tab.
type Client struct {
	opts   Options
	logger *utils.Logger
	retry  *utils.RetryConfig

	once        sync.Once
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	startErr    error
}

var _ scraper.SourceClient = (*Client)(nil)

// New creates a ready-to-use browser client. The browser starts on first use.
func New(opts Options, logger *utils.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.cargurus.com"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.PagesToScrape <= 0 {
		opts.PagesToScrape = 1
	}
	if opts.ResultsPerPage <= 0 {
		opts.ResultsPerPage = 24
	}
	return &Client{
		opts:   opts,
		logger: logger,
		retry: &utils.RetryConfig{
			MaxAttempts: opts.MaxRetries,
			BaseDelay:   2 * time.Second,
			Logger:      logger,
			// Blocks and missing listings are answers, not flakes.
			ShouldRetry: func(err error) bool {
				return !errors.Is(err, apperrors.ErrBlocked) && !errors.Is(err, apperrors.ErrNotFound)
			},
		},
	}
}

func (c *Client) Name() string { return sourceName }

// Close shuts the browser down.
func (c *Client) Close() error {
	if c.cancelAlloc != nil {
		c.cancelAlloc()
	}
	return nil
}

func (c *Client) browser() (context.Context, error) {
	c.once.Do(func() {
		chromeBin := c.opts.ChromeBin
		if chromeBin == "" {
			chromeBin = findChromeBinary()
		}
		c.logger.Info("[cargurus] Using browser binary: %s", chromeBin)

		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
				"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		)
		if chromeBin != "" {
			opts = append(opts, chromedp.ExecPath(chromeBin))
		}

		allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
		// Suppress chromedp log noise
		browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
		if err := chromedp.Run(browserCtx); err != nil {
			cancelBrowser()
			cancelAlloc()
			c.startErr = fmt.Errorf("cargurus: start browser: %w", err)
			return
		}
		c.allocCtx = browserCtx
		c.cancelAlloc = func() {
			cancelBrowser()
			cancelAlloc()
		}
	})
	return c.allocCtx, c.startErr
}

// tab opens a browser tab that closes when callCtx ends or timeout passes.
func (c *Client) tab(callCtx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	browserCtx, err := c.browser()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := chromedp.NewContext(browserCtx)
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	stop := context.AfterFunc(callCtx, cancel)
	return ctx, func() {
		stop()
		cancelTimeout()
		cancel()
	}, nil
}

type cardData struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Price    string `json:"price"`
	Mileage  string `json:"mileage"`
	Location string `json:"location"`
	Distance string `json:"distance"`
	Dealer   string `json:"dealer"`
	URL      string `json:"url"`
}

type pageData struct {
	Blocked bool       `json:"blocked"`
	Cards   []cardData `json:"cards"`
	Next    string     `json:"next"`
}

// Search walks up to PagesToScrape result pages for params.
func (c *Client) Search(ctx context.Context, params scraper.SearchParams) ([]models.RawRecord, error) {
	pageURL := c.SearchURL(params)
	seen := utils.NewIDSet()
	var out []models.RawRecord

	for page := 1; page <= c.opts.PagesToScrape; page++ {
		c.logger.Debug("[cargurus] Scraping page %d: %s", page, pageURL)

		var data pageData
		err := c.retry.Do(ctx, fmt.Sprintf("search-page-%d", page), func() error {
			tabCtx, done, err := c.tab(ctx, 90*time.Second)
			if err != nil {
				return err
			}
			defer done()

			data = pageData{}
			if err := chromedp.Run(tabCtx,
				chromedp.Navigate(pageURL),
				chromedp.Sleep(4*time.Second),
				chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
				chromedp.Sleep(2*time.Second),
				chromedp.Evaluate(searchScript(c.opts.ResultsPerPage), &data),
			); err != nil {
				return fmt.Errorf("chromedp page scrape: %w", err)
			}
			if data.Blocked {
				return fmt.Errorf("cargurus: challenge page on %s: %w", pageURL, apperrors.ErrBlocked)
			}
			return nil
		})
		if err != nil {
			// A later page failing still invalidates the whole result set: a
			// partial scan would read as absences.
			return nil, err
		}

		for _, card := range data.Cards {
			if card.ID == "" || !seen.Add(card.ID) {
				continue
			}
			out = append(out, card.record(c.opts.BaseURL))
		}
		c.logger.Debug("[cargurus] Page %d: %d cards, %d unique so far", page, len(data.Cards), len(out))

		if data.Next == "" {
			break
		}
		pageURL = data.Next
	}
	return out, nil
}

type detailData struct {
	Blocked      bool   `json:"blocked"`
	Gone         bool   `json:"gone"`
	Title        string `json:"title"`
	Price        string `json:"price"`
	Mileage      string `json:"mileage"`
	VIN          string `json:"vin"`
	Exterior     string `json:"exterior"`
	Interior     string `json:"interior"`
	Transmission string `json:"transmission"`
	Drivetrain   string `json:"drivetrain"`
	Condition    string `json:"condition"`
	Location     string `json:"location"`
	Dealer       string `json:"dealer"`
}

// FetchDetail loads one listing page.
func (c *Client) FetchDetail(ctx context.Context, listingID string) (models.RawRecord, error) {
	detailURL := c.ListingURL(listingID)
	var details detailData

	err := c.retry.Do(ctx, "detail-page", func() error {
		tabCtx, done, err := c.tab(ctx, 60*time.Second)
		if err != nil {
			return err
		}
		defer done()

		details = detailData{}
		if err := chromedp.Run(tabCtx,
			chromedp.Navigate(detailURL),
			chromedp.Sleep(3*time.Second),
			chromedp.Evaluate(detailScript, &details),
		); err != nil {
			return fmt.Errorf("chromedp detail extract: %w", err)
		}
		switch {
		case details.Blocked:
			return fmt.Errorf("cargurus: challenge page on %s: %w", detailURL, apperrors.ErrBlocked)
		case details.Gone:
			return fmt.Errorf("cargurus: listing %s: %w", listingID, apperrors.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return models.RawRecord{}, err
	}

	city, state := splitLocation(details.Location)
	return models.RawRecord{
		ListingID:    listingID,
		Title:        details.Title,
		Price:        details.Price,
		Mileage:      details.Mileage,
		VIN:          details.VIN,
		Color:        details.Exterior,
		Interior:     details.Interior,
		Condition:    details.Condition,
		Transmission: details.Transmission,
		Drivetrain:   details.Drivetrain,
		DealerName:   details.Dealer,
		City:         city,
		State:        state,
		URL:          detailURL,
		Source:       sourceName,
		FetchedAt:    time.Now().UTC(),
	}, nil
}

// SearchURL renders the results page URL for params.
func (c *Client) SearchURL(params scraper.SearchParams) string {
	q := url.Values{}
	q.Set("sourceContext", "carGurusHomePageModel")
	q.Set("entitySelectingHelper.selectedEntity", strings.ToLower(params.Make))
	for _, m := range params.Models {
		q.Add("model", m)
	}
	set := func(k string, v int64) {
		if v > 0 {
			q.Set(k, strconv.FormatInt(v, 10))
		}
	}
	set("startYear", int64(params.MinYear))
	set("endYear", int64(params.MaxYear))
	set("minPrice", params.MinPrice)
	set("maxPrice", params.MaxPrice)
	set("maxMileage", int64(params.MaxMileage))
	set("distance", int64(params.DistanceMi))
	if params.Zip != "" {
		q.Set("zip", params.Zip)
	}
	return c.opts.BaseURL + "/Cars/inventorylisting/viewDetailsFilterViewInventoryListing.action?" + q.Encode()
}

// ListingURL renders the detail page URL for id.
func (c *Client) ListingURL(id string) string {
	return c.opts.BaseURL + "/details/" + url.PathEscape(id)
}

func (card cardData) record(base string) models.RawRecord {
	city, state := splitLocation(card.Location)
	u := card.URL
	if u == "" {
		u = base + "/details/" + url.PathEscape(card.ID)
	}
	return models.RawRecord{
		ListingID:  card.ID,
		Title:      card.Title,
		Price:      card.Price,
		Mileage:    card.Mileage,
		Distance:   card.Distance,
		DealerName: card.Dealer,
		City:       city,
		State:      state,
		URL:        u,
		Source:     sourceName,
		FetchedAt:  time.Now().UTC(),
	}
}

// splitLocation turns "San Diego, CA" into its parts.
func splitLocation(s string) (city, state string) {
	parts := strings.Split(s, ",")
	city = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		state = strings.TrimSpace(parts[len(parts)-1])
	}
	return city, state
}

const blockedCheck = `
	var bodyText = (document.body && document.body.innerText || '').toLowerCase();
	var blocked = document.title.toLowerCase().includes('access denied') ||
	              bodyText.includes('verify you are a human') ||
	              !!document.querySelector('iframe[src*="captcha"], #px-captcha');
`

func searchScript(limit int) string {
	return `
		(function() {
			` + blockedCheck + `
			if (blocked) return {blocked: true, cards: [], next: ''};

			var limit = ` + strconv.Itoa(limit) + `;
			var results = [];
			var seen = {};
			var cards = document.querySelectorAll('[data-testid="srp-listing-tile"], [data-cg-ft="car-blade"], article[data-listing-id]');
			for (var i = 0; i < cards.length && results.length < limit; i++) {
				var card = cards[i];
				var link = card.querySelector('a[href*="/details/"], a[href*="listing="], a[data-testid="car-blade-link"]');
				var href = link ? link.href : '';
				var id = card.getAttribute('data-listing-id') || '';
				if (!id && href) {
					var m = href.match(/(?:listing=|details\/)(\d+)/);
					id = m ? m[1] : '';
				}
				if (!id || seen[id]) continue;
				seen[id] = true;

				var text = function(sel) {
					var el = card.querySelector(sel);
					return el ? el.innerText.trim() : '';
				};
				var lines = card.innerText.split('\n').map(function(l){return l.trim();}).filter(Boolean);
				results.push({
					id:       id,
					title:    text('h4, [data-testid="srp-tile-listing-title"]') || lines[0] || '',
					price:    text('[data-testid="srp-tile-price"], .price') || lines.find(function(l){return l.match(/^\$[\d,]+/);}) || '',
					mileage:  lines.find(function(l){return l.match(/[\d,]+\s*mi(les)?\b/i) && !l.match(/away/i);}) || '',
					location: text('[data-testid="srp-tile-dealer-location"]') || '',
					distance: lines.find(function(l){return l.match(/mi(les)?\s+away/i);}) || '',
					dealer:   text('[data-testid="srp-tile-dealer-name"]') || '',
					url:      href
				});
			}

			var nextEl = document.querySelector('[data-testid="srp-desktop-page-navigation-next-page"], a[aria-label="Next page"]');
			return {blocked: false, cards: results, next: nextEl && nextEl.href ? nextEl.href : ''};
		})()
	`
}

const detailScript = `
	(function() {
		` + blockedCheck + `
		if (blocked) return {blocked: true};
		if (bodyText.includes('this listing is no longer available') || bodyText.includes('listing has been sold')) {
			return {gone: true};
		}

		var result = {title: '', price: '', mileage: '', vin: '', exterior: '', interior: '',
		              transmission: '', drivetrain: '', condition: '', location: '', dealer: ''};
		var h1 = document.querySelector('h1');
		if (h1) result.title = h1.innerText.trim();
		var priceEl = document.querySelector('[data-cg-ft="vdp-listing-price"], [data-testid="vdp-price"]');
		if (priceEl) result.price = priceEl.innerText.trim();

		// Specs are rendered as label/value pairs.
		var labels = {
			'mileage': 'mileage', 'vin': 'vin', 'exterior color': 'exterior', 'interior color': 'interior',
			'transmission': 'transmission', 'drivetrain': 'drivetrain', 'condition': 'condition'
		};
		var dts = document.querySelectorAll('dt, [data-testid="spec-label"]');
		for (var i = 0; i < dts.length; i++) {
			var key = labels[dts[i].innerText.trim().replace(/:$/, '').toLowerCase()];
			var dd = dts[i].nextElementSibling;
			if (key && dd) result[key] = dd.innerText.trim();
		}

		var dealer = document.querySelector('[data-testid="dealer-name"], [data-cg-ft="dealer-name"]');
		if (dealer) result.dealer = dealer.innerText.trim();
		var addr = document.querySelector('[data-testid="dealer-address"], [data-cg-ft="dealer-address"]');
		if (addr) {
			var parts = addr.innerText.split('\n');
			result.location = parts[parts.length - 1].replace(/\s+\d{5}(-\d{4})?$/, '').trim();
		}
		return result;
	})()
`

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
