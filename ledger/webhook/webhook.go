// Package webhook implements a ledger reached over HTTP.
//
// Commitments are POSTed as JSON to the configured URL. A 2xx answer
// confirms the commitment and any other 4xx rejects it. 408, 429, 5xx and
// transport errors leave it unconfirmed and retryable. Lookups are
// GET {url}/{sequence}.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/cairn/iox"
	"github.com/pithecene-io/cairn/ledger"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// maxBody bounds how much of a lookup response is read.
const maxBody = 1 << 20

// Config configures the webhook ledger.
type Config struct {
	// URL is the commitments endpoint (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
}

// Ledger anchors commitments via HTTP.
type Ledger struct {
	config Config
	client *http.Client
}

// New creates a webhook ledger from the given config.
// Returns an error if the URL is empty.
func New(cfg Config) (*Ledger, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook ledger requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &Ledger{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// SubmitCommitment POSTs c and maps the response status.
func (l *Ledger) SubmitCommitment(ctx context.Context, c ledger.Commitment) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("webhook: marshal commitment: %w", err)
	}

	resp, err := l.do(ctx, http.MethodPost, l.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}
	defer iox.DiscardClose(resp.Body)

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ledger.ErrUnavailable, &StatusError{Code: resp.StatusCode})
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %w", ledger.ErrRejected, &StatusError{Code: resp.StatusCode})
	default:
		return fmt.Errorf("%w: %w", ledger.ErrUnavailable, &StatusError{Code: resp.StatusCode})
	}
}

// Commitment fetches the commitment at seq. 404 means none is recorded.
func (l *Ledger) Commitment(ctx context.Context, seq uint64) (ledger.Commitment, bool, error) {
	url := l.config.URL + "/" + strconv.FormatUint(seq, 10)
	resp, err := l.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ledger.Commitment{}, false, fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}
	defer iox.DiscardClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ledger.Commitment{}, false, nil
	default:
		return ledger.Commitment{}, false, fmt.Errorf("%w: %w", ledger.ErrUnavailable, &StatusError{Code: resp.StatusCode})
	}

	var c ledger.Commitment
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&c); err != nil {
		return ledger.Commitment{}, false, fmt.Errorf("%w: decode commitment: %w", ledger.ErrUnavailable, err)
	}
	if c.Sequence != seq {
		return ledger.Commitment{}, false, fmt.Errorf("%w: asked for sequence %d, got %d", ledger.ErrUnavailable, seq, c.Sequence)
	}
	return c, true, nil
}

func (l *Ledger) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range l.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// Close releases idle connections.
func (l *Ledger) Close() error {
	l.client.CloseIdleConnections()
	return nil
}

// Verify Ledger implements the ledger client interface.
var _ ledger.Client = (*Ledger)(nil)
