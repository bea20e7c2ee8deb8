package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	notifierUserAgent = "VisionSync-VideoProcessor/1.0"
	notifyTimeout     = 10 * time.Second
	notifyAttempts    = 3
	notifyBackoff     = 2 * time.Second
)

// Outcome is the completion report delivered to the processing webhook.
type Outcome struct {
	VideoID        string `json:"videoId"`
	Status         string `json:"status"`
	ManifestURL    string `json:"manifestUrl,omitempty"`
	Error          string `json:"error,omitempty"`
	Timestamp      string `json:"timestamp"`
	InstanceType   string `json:"instanceType,omitempty"`
	ProcessingMode string `json:"processingMode,omitempty"`
}

// Notifier posts job outcomes back to the API server. Deliveries retry a few
// times because the API may be mid-deploy when a long transcode finishes.
type Notifier struct {
	url     string
	secret  string
	client  *http.Client
	logger  *slog.Logger
	backoff time.Duration
}

// NewNotifier builds a webhook client for the given endpoint. The secret is
// optional; when set it is sent as a bearer token.
func NewNotifier(url, secret string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: notifyTimeout},
		logger:  logger,
		backoff: notifyBackoff,
	}
}

// Notify delivers the outcome, retrying transient failures.
func (n *Notifier) Notify(ctx context.Context, outcome Outcome) error {
	if outcome.Timestamp == "" {
		outcome.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= notifyAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.backoff):
			}
		}
		lastErr = n.deliver(ctx, body)
		if lastErr == nil {
			return nil
		}
		n.logger.Warn("webhook delivery failed",
			"attempt", attempt,
			"video_id", outcome.VideoID,
			"error", lastErr)
	}
	return fmt.Errorf("notify webhook after %d attempts: %w", notifyAttempts, lastErr)
}

func (n *Notifier) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", notifierUserAgent)
	if n.secret != "" {
		req.Header.Set("Authorization", "Bearer "+n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
