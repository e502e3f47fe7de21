package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"porsche-tracker/models"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	userAgent             = "porsche-tracker/1.0"
)

// WebhookEnvelope is the JSON payload POSTed to webhook endpoints.
type WebhookEnvelope struct {
	Type          string            `json:"type"`
	SchemaVersion string            `json:"schemaVersion"`
	Timestamp     string            `json:"timestamp"`
	Subject       string            `json:"subject"`
	Text          string            `json:"text"`
	Data          models.AlertEvent `json:"data"`
}

// WebhookSender POSTs alerts to the channel target URL.
type WebhookSender struct {
	httpClient *http.Client
	authToken  string
	now        func() time.Time
}

// NewWebhookSender creates a WebhookSender. authToken, when set, is sent as a
// bearer token with every request.
func NewWebhookSender(authToken string, client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &WebhookSender{httpClient: client, authToken: authToken, now: time.Now}
}

func (ws *WebhookSender) Type() models.ChannelType { return models.ChannelWebhook }

func (ws *WebhookSender) Send(ctx context.Context, target string, ev models.AlertEvent) error {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid webhook URL %q", target)
	}

	msg := Render(ev)
	body, err := json.Marshal(WebhookEnvelope{
		Type:          "tracker.alert." + string(ev.Kind),
		SchemaVersion: "1",
		Timestamp:     ws.now().UTC().Format(time.RFC3339),
		Subject:       msg.Subject,
		Text:          msg.Text,
		Data:          ev,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if ws.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+ws.authToken)
	}

	resp, err := ws.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
