// Package notify delivers the processing summary to an external webhook.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Message levels.
const (
	LevelInfo  = "INFO"
	LevelError = "ERROR"
)

// Message is the structured summary sent to the notifier.
type Message struct {
	Title string `json:"title"`
	Level string `json:"level"`
	Body  string `json:"body"`
}

// Notifier delivers a summary message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// New returns a webhook notifier, or nil when no URL is configured.
func New(webhookURL string) Notifier {
	if webhookURL == "" {
		return nil
	}
	return &Webhook{
		url:    webhookURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Webhook POSTs the message as JSON.
type Webhook struct {
	url    string
	client *http.Client
}

// Notify sends the message; any non-2xx response is an error.
func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}
