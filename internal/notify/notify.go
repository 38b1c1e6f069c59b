// Package notify sends operator alerts for failed or completed
// lifecycle operations.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier delivers operator-facing alerts.
type Notifier interface {
	SendSuccess(ctx context.Context, message string) error
	SendError(ctx context.Context, message string) error
}

// WebhookNotifier posts JSON payloads to a configured webhook URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier. An empty URL yields a
// no-op notifier instead.
func NewWebhookNotifier(url string) Notifier {
	if url == "" {
		return NopNotifier{}
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) SendSuccess(ctx context.Context, message string) error {
	return n.send(ctx, "success", message)
}

func (n *WebhookNotifier) SendError(ctx context.Context, message string) error {
	return n.send(ctx, "error", message)
}

func (n *WebhookNotifier) send(ctx context.Context, level, message string) error {
	payload, err := json.Marshal(map[string]string{
		"level":     level,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NopNotifier discards all alerts.
type NopNotifier struct{}

func (NopNotifier) SendSuccess(ctx context.Context, message string) error { return nil }
func (NopNotifier) SendError(ctx context.Context, message string) error   { return nil }
