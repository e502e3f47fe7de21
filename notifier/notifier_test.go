package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"porsche-tracker/models"
	"porsche-tracker/utils"
)

func priceDrop() models.AlertEvent {
	return models.AlertEvent{
		ID:         "ev-1",
		ListingID:  "L1",
		CriteriaID: "gt3",
		Kind:       models.AlertPriceDrop,
		DedupKey:   "gt3:L1:price_drop",
		OldPrice:   389_900_00,
		NewPrice:   379_900_00,
		Listing: models.Listing{
			ID: "L1", Make: "Porsche", Model: "911", Trim: "GT3", Year: 2022,
			URL: "https://example.test/details/L1",
		},
	}
}

func TestRenderPriceDrop(t *testing.T) {
	msg := Render(priceDrop())
	assert.Equal(t, "Price Alert: 2022 Porsche 911 GT3 decreased by $10,000", msg.Subject)
	assert.Contains(t, msg.Text, "Was: $389,900")
	assert.Contains(t, msg.Text, "Now: $379,900")
	assert.Contains(t, msg.Text, "Change: -$10,000 (-2.6%)")
	assert.True(t, strings.HasSuffix(msg.Text, "https://example.test/details/L1"))
}

func TestRenderPriceDropWithTrend(t *testing.T) {
	ev := priceDrop()
	assert.NotContains(t, Render(ev).Text, "Trend:")

	ev.Trend = models.TrendFalling
	assert.Contains(t, Render(ev).Text, "Trend: falling")
}

func TestRenderNewMatchAndDelisted(t *testing.T) {
	ev := priceDrop()
	ev.Kind = models.AlertNewMatch
	ev.CriteriaName = "GT3 under 400k"
	ev.OldPrice = 0
	ev.Listing.Location = models.Location{City: "San Diego", State: "CA"}
	ev.Value = models.AnalyzeValue(ev.NewPrice, 420_000_00)
	ev.LowConfidence = true

	msg := Render(ev)
	assert.Equal(t, "New Porsche Listing Found - GT3 under 400k", msg.Subject)
	assert.Contains(t, msg.Text, "San Diego, CA")
	assert.Contains(t, msg.Text, "Great deal: $40,100 under market value (good)")
	assert.Contains(t, msg.Text, "unverified")

	ev.Kind = models.AlertDelisted
	msg = Render(ev)
	assert.Equal(t, "Listing Removed: 2022 Porsche 911 GT3", msg.Subject)
	assert.Contains(t, msg.Text, "Last price: $379,900")
}

func TestRouter(t *testing.T) {
	r := NewRouter(NewLogSender(utils.NewNopLogger()))
	require.NoError(t, r.Send(context.Background(), models.Channel{Type: models.ChannelLog}, priceDrop()))

	err := r.Send(context.Background(), models.Channel{Type: models.ChannelSMS, Target: "+1"}, priceDrop())
	assert.Error(t, err)
	assert.Equal(t, []models.ChannelType{models.ChannelLog}, r.Types())
}

func TestWebhookSender(t *testing.T) {
	var got WebhookEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ws := NewWebhookSender("tok", srv.Client())
	require.NoError(t, ws.Send(context.Background(), srv.URL+"/hook", priceDrop()))
	assert.Equal(t, "tracker.alert.price_drop", got.Type)
	assert.Equal(t, "L1", got.Data.ListingID)
	assert.NotEmpty(t, got.Subject)

	assert.Error(t, ws.Send(context.Background(), srv.URL+"/fail", priceDrop()))
	assert.Error(t, ws.Send(context.Background(), "ftp://nope", priceDrop()))
}

func TestTwilioSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		raw, _ := io.ReadAll(r.Body)
		form, err := url.ParseQuery(string(raw))
		require.NoError(t, err)
		assert.Equal(t, "+15550001111", form.Get("To"))
		assert.Equal(t, "+15559990000", form.Get("From"))
		assert.Contains(t, form.Get("Body"), "Price Alert!")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ts := NewTwilioSender(srv.URL, "AC123", "secret", "+15559990000", srv.Client())
	require.NoError(t, ts.Send(context.Background(), "+15550001111", priceDrop()))
}

func TestSMTPSender(t *testing.T) {
	s := NewSMTPSender("mail.example.test", 587, "user", "pw", "alerts@example.test")
	s.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

	var sentTo []string
	var body string
	s.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "mail.example.test:587", addr)
		assert.Equal(t, "alerts@example.test", from)
		sentTo = to
		body = string(msg)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), "me@example.test", priceDrop()))
	assert.Equal(t, []string{"me@example.test"}, sentTo)
	assert.Contains(t, body, "Subject: Price Alert: 2022 Porsche 911 GT3 decreased by $10,000\r\n")
	assert.Contains(t, body, "Was: $389,900\r\n")

	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("421 busy") }
	assert.Error(t, s.Send(context.Background(), "me@example.test", priceDrop()))
	assert.Error(t, s.Send(context.Background(), "not-an-address", priceDrop()))
}

type countingSender struct{ n int }

func (c *countingSender) Type() models.ChannelType { return models.ChannelWebhook }
func (c *countingSender) Send(context.Context, string, models.AlertEvent) error {
	c.n++
	return nil
}

func TestThrottledWaitsForToken(t *testing.T) {
	inner := &countingSender{}
	th := NewThrottled(inner, 1)

	require.NoError(t, th.Send(context.Background(), "a", priceDrop()))
	require.NoError(t, th.Send(context.Background(), "b", priceDrop()), "targets are paced independently")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, th.Send(ctx, "a", priceDrop()))
	assert.Equal(t, 2, inner.n)
	assert.Equal(t, models.ChannelWebhook, th.Type())
}
