package notifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"porsche-tracker/models"
)

// SMS bodies longer than this are cut.
const maxSMSLength = 1600

// TwilioSender sends SMS through the Twilio Messages REST API.
type TwilioSender struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	httpClient *http.Client
}

// NewTwilioSender creates a TwilioSender. baseURL is normally https://api.twilio.com.
func NewTwilioSender(baseURL, accountSID, authToken, from string, client *http.Client) *TwilioSender {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &TwilioSender{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		httpClient: client,
	}
}

func (ts *TwilioSender) Type() models.ChannelType { return models.ChannelSMS }

func (ts *TwilioSender) Send(ctx context.Context, target string, ev models.AlertEvent) error {
	text := Render(ev).Text
	if len(text) > maxSMSLength {
		text = text[:maxSMSLength]
	}

	form := url.Values{}
	form.Set("To", target)
	form.Set("From", ts.from)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", ts.baseURL, url.PathEscape(ts.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(ts.accountSID, ts.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("twilio returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
