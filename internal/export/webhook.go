// Package export delivers signed run summaries to an operator webhook.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/security"
)

// WebhookConfig holds the webhook endpoint settings.
type WebhookConfig struct {
	URL      string
	APIKey   string
	Timeout  time.Duration
	RetryMax int
}

// Webhook posts envelopes to a single endpoint.
type Webhook struct {
	config WebhookConfig
	client *retryablehttp.Client
}

// Delivery is the body posted to the webhook.
type Delivery struct {
	Command    string            `json:"command"`
	RunDate    string            `json:"run_date"`
	ExportTime string            `json:"export_time"`
	Envelope   security.Envelope `json:"envelope"`
}

// NewWebhook creates a webhook exporter. A zero timeout defaults to 10s.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = nil
	return &Webhook{config: cfg, client: c}
}

// Enabled reports whether a URL is configured.
func (w *Webhook) Enabled() bool {
	return w != nil && w.config.URL != ""
}

// Send posts one delivery. Server errors are retried; client errors are not.
func (w *Webhook) Send(ctx context.Context, d Delivery) error {
	if !w.Enabled() {
		return fmt.Errorf("webhook URL not configured")
	}
	if d.ExportTime == "" {
		d.ExportTime = time.Now().UTC().Format(time.RFC3339)
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned error status %d: %s", resp.StatusCode, string(msg))
	}

	logrus.WithFields(logrus.Fields{
		"command":  d.Command,
		"run_date": d.RunDate,
		"signer":   d.Envelope.Signer,
	}).Info("Exported run summary to webhook")
	return nil
}
