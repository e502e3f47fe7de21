package notifier

import (
	"fmt"
	"strings"

	"porsche-tracker/models"
)

// Message is the rendered form of an alert.
type Message struct {
	Subject string
	Text    string
}

// Render builds the subject line and plain-text body for ev.
func Render(ev models.AlertEvent) Message {
	l := ev.Listing
	title := l.Title()
	if title == "" {
		title = "listing " + ev.ListingID
	}

	var subject string
	var b strings.Builder
	switch ev.Kind {
	case models.AlertNewMatch:
		name := ev.CriteriaName
		if name == "" {
			name = ev.CriteriaID
		}
		subject = fmt.Sprintf("New Porsche Listing Found - %s", name)
		b.WriteString("New Porsche found!\n")
		b.WriteString(title + "\n")
		b.WriteString(models.FormatCents(ev.NewPrice) + "\n")
		if where := location(l); where != "" {
			b.WriteString(where + "\n")
		}
		if ev.Value != nil {
			b.WriteString(dealLine(ev.Value) + "\n")
		}

	case models.AlertPriceDrop, models.AlertPriceIncrease:
		change := ev.PriceChange()
		verb := "decreased"
		if change > 0 {
			verb = "increased"
		}
		abs := change
		if abs < 0 {
			abs = -abs
		}
		subject = fmt.Sprintf("Price Alert: %s %s by %s", title, verb, models.FormatCents(abs))
		b.WriteString("Price Alert!\n")
		b.WriteString(title + "\n")
		fmt.Fprintf(&b, "Was: %s\n", models.FormatCents(ev.OldPrice))
		fmt.Fprintf(&b, "Now: %s\n", models.FormatCents(ev.NewPrice))
		fmt.Fprintf(&b, "Change: %s (%s%%)\n", signedCents(change), ev.ChangePercent().StringFixed(1))
		if ev.Trend != "" {
			fmt.Fprintf(&b, "Trend: %s\n", ev.Trend)
		}

	case models.AlertDelisted:
		subject = fmt.Sprintf("Listing Removed: %s", title)
		b.WriteString("Listing no longer available\n")
		b.WriteString(title + "\n")
		fmt.Fprintf(&b, "Last price: %s\n", models.FormatCents(ev.NewPrice))

	default:
		subject = fmt.Sprintf("Alert: %s", title)
		b.WriteString(title + "\n")
	}

	if ev.LowConfidence {
		b.WriteString("(vehicle details unverified)\n")
	}
	if l.URL != "" {
		b.WriteString(l.URL + "\n")
	}
	return Message{Subject: subject, Text: strings.TrimRight(b.String(), "\n")}
}

func location(l models.Listing) string {
	switch {
	case l.Location.City != "" && l.Location.State != "":
		return l.Location.City + ", " + l.Location.State
	case l.Location.City != "":
		return l.Location.City
	}
	return l.Location.ZipCode
}

func dealLine(v *models.ValueAnalysis) string {
	if v.Difference < 0 {
		return fmt.Sprintf("Great deal: %s under market value (%s)", models.FormatCents(-v.Difference), v.DealQuality)
	}
	return fmt.Sprintf("%s over market value (%s)", models.FormatCents(v.Difference), v.DealQuality)
}

func signedCents(c int64) string {
	if c > 0 {
		return "+" + models.FormatCents(c)
	}
	return models.FormatCents(c)
}
