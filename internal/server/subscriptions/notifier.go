package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
)

// NotifierConfig configures webhook delivery.
type NotifierConfig struct {
	Client *http.Client
	// InitialInterval is the first retry delay. Defaults to 500ms.
	InitialInterval time.Duration
	// MaxElapsedTime bounds all attempts of one delivery. Defaults to one
	// minute.
	MaxElapsedTime time.Duration
	Logger         hclog.Logger
}

// Notifier delivers notifications to webhooks.
type Notifier struct {
	httpClient      *http.Client
	initialInterval time.Duration
	maxElapsedTime  time.Duration
	logger          hclog.Logger
}

// NewNotifier creates a new notifier
func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Notifier{
		httpClient:      cfg.Client,
		initialInterval: cfg.InitialInterval,
		maxElapsedTime:  cfg.MaxElapsedTime,
		logger:          cfg.Logger.Named("webhook"),
	}
}

// SendWebhook posts the notification, retrying with exponential backoff
// on transport errors, 429 and 5xx responses. Other 4xx responses are
// final.
func (n *Notifier) SendWebhook(ctx context.Context, url string, notification Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	attempt := 0
	deliver := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-OMRS-Event", notification.Event.Type)
		req.Header.Set("X-OMRS-Subscription", notification.SubscriptionID)

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		werr := &WebhookError{URL: url, StatusCode: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(werr)
		}
		return werr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.initialInterval
	b.MaxElapsedTime = n.maxElapsedTime
	err = backoff.RetryNotify(deliver, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		n.logger.Debug("webhook delivery failed, retrying", "url", url, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		n.logger.Warn("webhook delivery failed", "url", url, "attempts", attempt, "error", err)
		return err
	}
	n.logger.Debug("webhook delivered", "url", url, "attempts", attempt)
	return nil
}

// WebhookError represents a webhook delivery failure
type WebhookError struct {
	URL        string
	StatusCode int
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook %s answered %d", e.URL, e.StatusCode)
}
