package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 2
)

// WebhookConfig defines a webhook destination.
type WebhookConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack"
	Events  []string          `yaml:"events"  json:"events"` // notification kinds; empty matches all
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Dispatcher fans notifications out to matching webhooks.
type Dispatcher struct {
	configs []WebhookConfig
	client  *retryablehttp.Client
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []WebhookConfig, log *zap.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = requestTimeout
	client.Logger = nil
	return &Dispatcher{configs: configs, client: client, log: log.Named("webhook")}
}

// Dispatch sends n to every webhook whose Events list matches.
// It does not block the caller.
func (d *Dispatcher) Dispatch(n Notification) {
	for _, cfg := range d.configs {
		if !matches(cfg.Events, n.Kind) {
			continue
		}
		d.wg.Add(1)
		go func(cfg WebhookConfig) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*requestTimeout)
			defer cancel()
			if err := d.Send(ctx, cfg, n); err != nil {
				d.log.Warn("webhook delivery failed", zap.String("url", cfg.URL), zap.Error(err))
			}
		}(cfg)
	}
}

// Wait blocks until in-flight dispatches finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Send posts n to one webhook. 5xx and transport errors are retried; 4xx is not.
func (d *Dispatcher) Send(ctx context.Context, cfg WebhookConfig, n Notification) error {
	body, err := FormatPayload(cfg.Format, n)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
	}
	return nil
}

func matches(events []string, kind Kind) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == string(kind) {
			return true
		}
	}
	return false
}
