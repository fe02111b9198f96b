package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL        string
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
	// Client defaults to an http.Client with Timeout.
	Client *http.Client
}

// Webhook POSTs each batch as JSON to a URL. Outbound calls are rate limited;
// a batch whose wait for a token would outlive its context is dropped with
// an error. An empty URL disables delivery.
type Webhook struct {
	url     atomic.Pointer[string]
	limiter *rate.Limiter
	client  *http.Client
}

// NewWebhook returns a webhook sink.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	w := &Webhook{
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		client:  client,
	}
	w.SetURL(cfg.URL)
	return w
}

// SetURL changes the target. Used by config hot reload.
func (w *Webhook) SetURL(u string) {
	w.url.Store(&u)
}

// URL returns the current target.
func (w *Webhook) URL() string {
	return *w.url.Load()
}

func (w *Webhook) Deliver(ctx context.Context, b Batch) error {
	target := w.URL()
	if target == "" {
		return nil
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook: rate limited, batch for %s dropped: %w", b.ClientID, err)
	}

	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("webhook: marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", b.ClientID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: target returned status %d", resp.StatusCode)
	}
	eventsLog.Debug("webhook_delivered",
		slog.String("client_id", b.ClientID),
		slog.Int("messages", b.MessageCount()),
		slog.Int("http_status", resp.StatusCode))
	return nil
}
