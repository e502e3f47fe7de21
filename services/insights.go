package services

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"porsche-tracker/models"
	"porsche-tracker/utils"
)

// Prices in cents.
const (
	highVolatility = 5_000_00
	topMovers      = 5
)

type InsightService struct {
	trendWindow int
	logger      *utils.Logger
}

func NewInsightService(trendWindow int, logger *utils.Logger) *InsightService {
	return &InsightService{trendWindow: trendWindow, logger: logger}
}

// PriceAnalytics summarizes a listing's price history (oldest first). It
// returns nil when there is no history.
func (s *InsightService) PriceAnalytics(l models.Listing, entries []models.PriceHistoryEntry, now time.Time) *models.PriceAnalytics {
	if len(entries) == 0 {
		return nil
	}

	a := &models.PriceAnalytics{
		ListingID:     l.ID,
		CurrentPrice:  l.Price,
		OriginalPrice: entries[0].Price,
		LowestPrice:   entries[0].Price,
		HighestPrice:  entries[0].Price,
		ChangeCount:   len(entries) - 1,
		Trend:         TrendOf(entries, s.trendWindow),
	}
	if a.CurrentPrice == 0 {
		a.CurrentPrice = entries[len(entries)-1].Price
	}

	var total float64
	for _, e := range entries {
		total += float64(e.Price)
		a.TotalChange += e.Delta
		if e.Price < a.LowestPrice {
			a.LowestPrice = e.Price
		}
		if e.Price > a.HighestPrice {
			a.HighestPrice = e.Price
		}
	}
	mean := total / float64(len(entries))
	a.AveragePrice = int64(math.Round(mean))

	if len(entries) > 1 {
		var sq float64
		for _, e := range entries {
			d := float64(e.Price) - mean
			sq += d * d
		}
		a.Volatility = math.Sqrt(sq / float64(len(entries)-1))
	}

	first := l.FirstSeen
	if first.IsZero() {
		first = entries[0].ObservedAt
	}
	a.DaysTracked = int(now.Sub(first).Hours() / 24)

	a.Recommendation = recommend(a)
	return a
}

func recommend(a *models.PriceAnalytics) models.Recommendation {
	if a.DaysTracked < 7 {
		return models.Recommendation{Action: "hold", Confidence: "low", Reason: "Insufficient data", Score: 50}
	}

	score := 50
	if spread := a.HighestPrice - a.LowestPrice; spread > 0 {
		position := float64(a.CurrentPrice-a.LowestPrice) / float64(spread)
		switch {
		case position < 0.3:
			score += 25
		case position > 0.7:
			score -= 25
		}
	}

	var reason string
	switch a.Trend {
	case models.TrendFalling:
		score += 15
		reason = "price is trending downward"
	case models.TrendRising:
		score -= 15
		reason = "price is trending upward"
	default:
		reason = "price has been stable"
	}

	switch {
	case a.DaysTracked > 60:
		score += 10
		reason += " and the listing has been on the market for a while"
	case a.DaysTracked < 14:
		score -= 5
		reason += " but the listing is relatively new"
	}

	if a.Volatility > highVolatility {
		score -= 10
		reason += " with high price volatility"
	}

	switch {
	case score >= 70:
		conf := "medium"
		if score >= 80 {
			conf = "high"
		}
		return models.Recommendation{Action: "buy", Confidence: conf, Reason: "Good buying opportunity: " + reason, Score: score}
	case score <= 30:
		conf := "medium"
		if score <= 20 {
			conf = "high"
		}
		return models.Recommendation{Action: "wait", Confidence: conf, Reason: "Consider waiting: " + reason, Score: score}
	}
	return models.Recommendation{Action: "hold", Confidence: "medium", Reason: "Neutral position: " + reason, Score: score}
}

// MarketReport aggregates listings. histories is optional and keyed by
// listing id; it feeds the biggest price drops.
func (s *InsightService) MarketReport(scope string, listings []models.Listing, histories map[string][]models.PriceHistoryEntry) *models.MarketReport {
	report := &models.MarketReport{
		Scope:       scope,
		ByModel:     make(map[string]int),
		ByYear:      make(map[int]int),
		GeneratedAt: time.Now(),
	}
	report.TotalListings = len(listings)
	if len(listings) == 0 {
		return report
	}

	var prices []int64
	var mileageSum, mileageCount int
	for i := range listings {
		l := listings[i]
		if l.Status != models.StatusActive {
			report.RemovedCount++
			continue
		}
		report.ActiveListings++
		if l.Model != "" {
			report.ByModel[l.Model]++
		}
		if l.Year > 0 {
			report.ByYear[l.Year]++
		}
		if l.Mileage != nil {
			mileageSum += *l.Mileage
			mileageCount++
		}
		if l.Price <= 0 {
			continue
		}
		prices = append(prices, l.Price)
		if report.Cheapest == nil || l.Price < report.Cheapest.Price {
			report.Cheapest = &listings[i]
		}
		if report.MostExpensive == nil || l.Price > report.MostExpensive.Price {
			report.MostExpensive = &listings[i]
		}
	}

	if len(prices) > 0 {
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
		var total int64
		for _, p := range prices {
			total += p
		}
		report.AveragePrice = total / int64(len(prices))
		report.MinPrice = prices[0]
		report.MaxPrice = prices[len(prices)-1]
		mid := len(prices) / 2
		if len(prices)%2 == 0 {
			report.MedianPrice = (prices[mid-1] + prices[mid]) / 2
		} else {
			report.MedianPrice = prices[mid]
		}
	}
	if mileageCount > 0 {
		report.AverageMileage = mileageSum / mileageCount
	}

	for _, l := range listings {
		entries := histories[l.ID]
		if len(entries) < 2 {
			continue
		}
		change := entries[len(entries)-1].Price - entries[0].Price
		if change < 0 {
			report.BiggestDrops = append(report.BiggestDrops, models.PriceMover{Listing: l, TotalChange: change})
		}
	}
	sort.Slice(report.BiggestDrops, func(i, j int) bool {
		return report.BiggestDrops[i].TotalChange < report.BiggestDrops[j].TotalChange
	})
	if len(report.BiggestDrops) > topMovers {
		report.BiggestDrops = report.BiggestDrops[:topMovers]
	}

	s.logger.Debug("[insights] Report %q over %d listings", scope, len(listings))
	return report
}

func (s *InsightService) Print(r *models.MarketReport) {
	s.Fprint(os.Stdout, r)
}

func (s *InsightService) Fprint(w io.Writer, r *models.MarketReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  📊 PORSCHE MARKET REPORT (%s)\033[0m\n", r.Scope)
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Tracked listings : \033[1m%d\033[0m\n", r.TotalListings)
	fmt.Fprintf(w, "  Active           : \033[1m%d\033[0m\n", r.ActiveListings)
	fmt.Fprintf(w, "  Removed          : \033[1m%d\033[0m\n", r.RemovedCount)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Price Statistics\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if r.AveragePrice > 0 {
		fmt.Fprintf(w, "  Average price : \033[1;32m%s\033[0m\n", models.FormatCents(r.AveragePrice))
		fmt.Fprintf(w, "  Median price  : \033[1;32m%s\033[0m\n", models.FormatCents(r.MedianPrice))
		fmt.Fprintf(w, "  Minimum price : \033[1;32m%s\033[0m\n", models.FormatCents(r.MinPrice))
		fmt.Fprintf(w, "  Maximum price : \033[1;32m%s\033[0m\n", models.FormatCents(r.MaxPrice))
	} else {
		fmt.Fprintf(w, "  No price data available\n")
	}
	if r.AverageMileage > 0 {
		fmt.Fprintf(w, "  Avg mileage   : %d mi\n", r.AverageMileage)
	}
	fmt.Fprintln(w)

	if r.Cheapest != nil {
		fmt.Fprintf(w, "\033[1;33m  Cheapest Listing\033[0m\n")
		fmt.Fprintf(w, "  %s\n", thin)
		fmt.Fprintf(w, "  %s\n", truncate(r.Cheapest.Title(), 50))
		fmt.Fprintf(w, "  Price    : \033[1;32m%s\033[0m\n", models.FormatCents(r.Cheapest.Price))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\033[1;33m  Biggest Price Drops\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.BiggestDrops) == 0 {
		fmt.Fprintf(w, "  No price drops recorded\n")
	} else {
		for i, m := range r.BiggestDrops {
			fmt.Fprintf(w, "  \033[1m%d.\033[0m %-38s \033[1;31m%s\033[0m\n",
				i+1, truncate(m.Listing.Title(), 36), models.FormatCents(m.TotalChange))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Listings by Model\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.ByModel) == 0 {
		fmt.Fprintf(w, "  No model data\n")
	} else {
		type modelCount struct {
			model string
			count int
		}
		var counts []modelCount
		for m, n := range r.ByModel {
			counts = append(counts, modelCount{m, n})
		}
		sort.Slice(counts, func(i, j int) bool {
			if counts[i].count != counts[j].count {
				return counts[i].count > counts[j].count
			}
			return counts[i].model < counts[j].model
		})
		for _, mc := range counts {
			bar := strings.Repeat("█", mc.count)
			fmt.Fprintf(w, "  %-30s %s (%d)\n", truncate(mc.model, 28), bar, mc.count)
		}
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
