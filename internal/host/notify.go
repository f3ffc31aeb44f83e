package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LogNotifier writes notifications to the structured log. The default when
// no webhook is configured, and the fallback when one fails.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

// Show implements Notifier.Show.
func (n *LogNotifier) Show(ctx context.Context, notification Notification) error {
	n.logger.Info("Notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("priority", int(notification.Priority)),
		zap.Bool("require_interaction", notification.RequireInteraction))
	return nil
}

// WebhookNotifier POSTs notifications as JSON to a configured endpoint
// (Slack-style inbound hook or the dashboard's notification relay).
type WebhookNotifier struct {
	logger *zap.Logger
	client *http.Client
	url    string
}

// NewWebhookNotifier creates a webhook-backed notifier.
func NewWebhookNotifier(logger *zap.Logger, url string) *WebhookNotifier {
	return &WebhookNotifier{
		logger: logger.Named("notify"),
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
	}
}

// Show implements Notifier.Show.
func (n *WebhookNotifier) Show(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}

	n.logger.Info("Notification delivered",
		zap.String("title", notification.Title),
		zap.Int("priority", int(notification.Priority)))
	return nil
}
