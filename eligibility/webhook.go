package eligibility

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pithecene-io/cairn/iox"
)

// DefaultWebhookTimeout is the default per-query timeout.
const DefaultWebhookTimeout = 2 * time.Second

// WebhookConfig configures the webhook oracle.
type WebhookConfig struct {
	// URL receives a POST per query (required).
	URL string
	// Headers are added to each request.
	Headers map[string]string
	// Timeout bounds each query (default 2s).
	Timeout time.Duration
}

// Webhook asks an HTTP service whether a writer is eligible.
//
// The request body is {"writer": ..., "payload": ...}. 200 means eligible,
// 403 and 404 mean ineligible, anything else is unavailable.
type Webhook struct {
	config WebhookConfig
	client *http.Client
}

// StatusError is returned for responses that are neither a decision nor
// success.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// NewWebhook creates a webhook oracle.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("eligibility webhook requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookTimeout
	}
	return &Webhook{config: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type query struct {
	Writer  string          `json:"writer"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Eligible implements Oracle.
func (o *Webhook) Eligible(ctx context.Context, writer string, payload json.RawMessage) (bool, error) {
	body, err := json.Marshal(query{Writer: writer, Payload: payload})
	if err != nil {
		return false, fmt.Errorf("eligibility: marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("eligibility: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range o.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("eligibility: request failed: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusForbidden, http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("eligibility: %w", &StatusError{Code: resp.StatusCode})
	}
}

// Close releases idle connections.
func (o *Webhook) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

var _ Oracle = (*Webhook)(nil)
