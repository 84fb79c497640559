package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/agentflow/internal/logging"
)

// WebhookConfig tunes webhook delivery.
type WebhookConfig struct {
	URL             string
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
}

// WebhookNotifier POSTs events as JSON to a URL, retrying with exponential
// backoff. 4xx responses other than 429 are not retried.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook sink.
func NewWebhookNotifier(cfg WebhookConfig, client *http.Client, logger *slog.Logger) *WebhookNotifier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebhookNotifier{cfg: cfg, client: client, logger: logging.OrDiscard(logger)}
}

// Notify delivers event, blocking until success, a permanent failure, or
// retries are exhausted.
func (w *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialInterval
	b.MaxInterval = w.cfg.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.MaxRetries)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := w.post(ctx, event, body)
		if err != nil {
			w.logger.Debug("webhook delivery failed",
				"event_type", event.Type, "attempt", attempt, "error", err)
		}
		return err
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("webhook %s after %d attempts: %w", event.Type, attempt, err)
	}
	return nil
}

func (w *WebhookNotifier) post(ctx context.Context, event Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentflow-Event", event.Type)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

var _ Notifier = (*WebhookNotifier)(nil)
