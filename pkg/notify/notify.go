// Package notify delivers out-of-band messages to tenants. The proxy itself
// has no chat surface; it posts to a webhook that the bot layer turns into a
// Telegram message.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier sends a message to the tenant identified by tgID.
type Notifier interface {
	Notify(ctx context.Context, tgID int64, message string) error
}

// Nop discards every notification. Used when no webhook is configured.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, int64, string) error { return nil }

// Webhook posts notifications as JSON to a configured URL.
type Webhook struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhook creates a webhook notifier. The token, when non-empty, is sent
// in the X-Api-Token header.
func NewWebhook(url, token string) *Webhook {
	return &Webhook{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookPayload struct {
	TgID    int64  `json:"tg_id"`
	Message string `json:"message"`
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, tgID int64, message string) error {
	body, err := json.Marshal(webhookPayload{TgID: tgID, Message: message})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("X-Api-Token", w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}
