// Package notify bridges crew lifecycle events to a human-facing channel:
// an operations log, a chat webhook, or anything else implementing
// Notifier. When registered as an extension it renders a short message at
// every lifecycle point it is enabled for.
//
// Usage:
//
//	hook := notify.New(notify.NewWebhookNotifier("https://chat.example/hook"),
//	    notify.WithEvents(notify.EventWorkerStale, notify.EventTaskFailed),
//	    notify.WithRateLimit(rate.Every(time.Second), 10),
//	)
//	eng.Use(hook)
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notifier delivers a rendered notification. Implementations must be safe
// for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// SlogNotifier writes notifications to a structured logger.
type SlogNotifier struct {
	logger *slog.Logger
}

// NewSlogNotifier creates a Notifier over the given logger. A nil logger
// uses slog.Default.
func NewSlogNotifier(l *slog.Logger) *SlogNotifier {
	if l == nil {
		l = slog.Default()
	}
	return &SlogNotifier{logger: l}
}

func (n *SlogNotifier) Notify(_ context.Context, subject, body string) error {
	n.logger.Info(subject, slog.String("detail", body))
	return nil
}

// WebhookNotifier POSTs notifications as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a Notifier that delivers to url. A nil
// client uses a default with a 10s timeout.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

type webhookPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	SentAt  string `json:"sent_at"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(webhookPayload{
		Subject: subject,
		Body:    body,
		SentAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %s", resp.Status)
	}
	return nil
}
