package services

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"porsche-tracker/models"
	"porsche-tracker/utils"
)

func intPtr(v int) *int { return &v }

func sampleListings() []models.Listing {
	return []models.Listing{
		{ID: "1", Make: "Porsche", Model: "911", Trim: "GT3", Year: 2022, Price: 250_000_00, Mileage: intPtr(3000), Status: models.StatusActive},
		{ID: "2", Make: "Porsche", Model: "911", Trim: "Carrera", Year: 2020, Price: 100_000_00, Mileage: intPtr(15000), Status: models.StatusActive},
		{ID: "3", Make: "Porsche", Model: "Cayman", Trim: "GT4", Year: 2021, Price: 130_000_00, Status: models.StatusActive},
		{ID: "4", Make: "Porsche", Model: "Taycan", Year: 2021, Price: 90_000_00, Status: models.StatusRemoved},
		{ID: "5", Make: "Porsche", Model: "Macan", Year: 2019, Status: models.StatusActive},
	}
}

func history(id string, start time.Time, prices ...int64) []models.PriceHistoryEntry {
	out := make([]models.PriceHistoryEntry, len(prices))
	for i, p := range prices {
		out[i] = models.PriceHistoryEntry{ListingID: id, ObservedAt: start.Add(time.Duration(i) * 24 * time.Hour), Price: p}
		if i > 0 {
			out[i].Delta = p - prices[i-1]
		}
	}
	return out
}

func TestMarketReportCounts(t *testing.T) {
	svc := NewInsightService(3, utils.NewNopLogger())
	r := svc.MarketReport("all", sampleListings(), nil)
	if r.TotalListings != 5 {
		t.Errorf("TotalListings: got %d, want 5", r.TotalListings)
	}
	if r.ActiveListings != 4 {
		t.Errorf("ActiveListings: got %d, want 4", r.ActiveListings)
	}
	if r.RemovedCount != 1 {
		t.Errorf("RemovedCount: got %d, want 1", r.RemovedCount)
	}
	if r.ByModel["911"] != 2 {
		t.Errorf("911 count: got %d, want 2", r.ByModel["911"])
	}
	if r.ByYear[2021] != 1 {
		t.Errorf("2021 count: got %d, want 1 (removed listings excluded)", r.ByYear[2021])
	}
}

func TestMarketReportPrices(t *testing.T) {
	svc := NewInsightService(3, utils.NewNopLogger())
	r := svc.MarketReport("all", sampleListings(), nil)
	if r.AveragePrice != 160_000_00 {
		t.Errorf("AveragePrice: got %d, want 16000000", r.AveragePrice)
	}
	if r.MedianPrice != 130_000_00 {
		t.Errorf("MedianPrice: got %d, want 13000000", r.MedianPrice)
	}
	if r.MinPrice != 100_000_00 || r.MaxPrice != 250_000_00 {
		t.Errorf("range: got %d..%d", r.MinPrice, r.MaxPrice)
	}
	if r.Cheapest == nil || r.Cheapest.ID != "2" {
		t.Errorf("Cheapest: got %+v, want listing 2", r.Cheapest)
	}
	if r.MostExpensive == nil || r.MostExpensive.ID != "1" {
		t.Errorf("MostExpensive: got %+v, want listing 1", r.MostExpensive)
	}
	if r.AverageMileage != 9000 {
		t.Errorf("AverageMileage: got %d, want 9000", r.AverageMileage)
	}
}

func TestMarketReportBiggestDrops(t *testing.T) {
	svc := NewInsightService(3, utils.NewNopLogger())
	start := time.Now().Add(-10 * 24 * time.Hour)
	histories := map[string][]models.PriceHistoryEntry{
		"1": history("1", start, 270_000_00, 250_000_00),
		"2": history("2", start, 105_000_00, 100_000_00),
		"3": history("3", start, 120_000_00, 130_000_00),
	}
	r := svc.MarketReport("all", sampleListings(), histories)
	if len(r.BiggestDrops) != 2 {
		t.Fatalf("BiggestDrops len: got %d, want 2", len(r.BiggestDrops))
	}
	if r.BiggestDrops[0].Listing.ID != "1" || r.BiggestDrops[0].TotalChange != -20_000_00 {
		t.Errorf("BiggestDrops[0]: got %s %d", r.BiggestDrops[0].Listing.ID, r.BiggestDrops[0].TotalChange)
	}
}

func TestMarketReportEmptyInput(t *testing.T) {
	svc := NewInsightService(3, utils.NewNopLogger())
	r := svc.MarketReport("none", nil, nil)
	if r.TotalListings != 0 {
		t.Errorf("expected 0 total listings for empty input")
	}
}

func TestPriceAnalyticsBuy(t *testing.T) {
	svc := NewInsightService(3, utils.NewNopLogger())
	now := time.Now()
	l := models.Listing{ID: "L1", Price: 90_000_00, FirstSeen: now.Add(-30 * 24 * time.Hour)}
	a := svc.PriceAnalytics(l, history("L1", l.FirstSeen, 100_000_00, 95_000_00, 90_000_00), now)

	if a.OriginalPrice != 100_000_00 || a.LowestPrice != 90_000_00 || a.HighestPrice != 100_000_00 {
		t.Errorf("range: got %+v", a)
	}
	if a.AveragePrice != 95_000_00 {
		t.Errorf("AveragePrice: got %d", a.AveragePrice)
	}
	if a.ChangeCount != 2 || a.TotalChange != -10_000_00 {
		t.Errorf("changes: got %d / %d", a.ChangeCount, a.TotalChange)
	}
	if a.Volatility != 5_000_00 {
		t.Errorf("Volatility: got %f, want 500000", a.Volatility)
	}
	if a.DaysTracked != 30 {
		t.Errorf("DaysTracked: got %d, want 30", a.DaysTracked)
	}
	if a.Trend != models.TrendFalling {
		t.Errorf("Trend: got %s", a.Trend)
	}
	rec := a.Recommendation
	if rec.Action != "buy" || rec.Confidence != "high" || rec.Score != 90 {
		t.Errorf("Recommendation: got %+v", rec)
	}
	if !strings.HasPrefix(rec.Reason, "Good buying opportunity: price is trending downward") {
		t.Errorf("Reason: got %q", rec.Reason)
	}
}

func TestPriceAnalyticsWait(t *testing.T) {
	svc := NewInsightService(3, utils.NewNopLogger())
	now := time.Now()
	l := models.Listing{ID: "L1", Price: 100_000_00, FirstSeen: now.Add(-10 * 24 * time.Hour)}
	a := svc.PriceAnalytics(l, history("L1", l.FirstSeen, 90_000_00, 95_000_00, 100_000_00), now)

	if a.Recommendation.Action != "wait" || a.Recommendation.Score != 5 || a.Recommendation.Confidence != "high" {
		t.Errorf("Recommendation: got %+v", a.Recommendation)
	}
}

func TestPriceAnalyticsTooNew(t *testing.T) {
	svc := NewInsightService(3, utils.NewNopLogger())
	now := time.Now()
	l := models.Listing{ID: "L1", Price: 90_000_00, FirstSeen: now.Add(-2 * 24 * time.Hour)}
	a := svc.PriceAnalytics(l, history("L1", l.FirstSeen, 100_000_00, 90_000_00), now)

	if a.Recommendation.Action != "hold" || a.Recommendation.Confidence != "low" || a.Recommendation.Score != 50 {
		t.Errorf("Recommendation: got %+v", a.Recommendation)
	}
	if svc.PriceAnalytics(l, nil, now) != nil {
		t.Errorf("expected nil analytics without history")
	}
}

func TestReportPrint(t *testing.T) {
	svc := NewInsightService(3, utils.NewNopLogger())
	var buf bytes.Buffer
	svc.Fprint(&buf, svc.MarketReport("gt3", sampleListings(), nil))
	out := buf.String()
	for _, want := range []string{"PORSCHE MARKET REPORT (gt3)", "$160,000", "Cayman", "No price drops recorded"} {
		if !strings.Contains(out, want) {
			t.Errorf("report output missing %q", want)
		}
	}
}
