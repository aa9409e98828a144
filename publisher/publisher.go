// Package publisher turns a closed batch of intentions into a committed
// bundle.
//
// A publish assembles the bundle on the current state head, stores its
// bytes in the content store, anchors its content id in the ledger and,
// only after the ledger confirms, advances proposer state. Content and
// ledger calls are retried with exponential backoff. A bundle whose
// publish failed is retained so that retrying the same intentions on the
// same head reproduces the same content id.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pithecene-io/cairn/canon"
	"github.com/pithecene-io/cairn/contentstore"
	"github.com/pithecene-io/cairn/ledger"
	"github.com/pithecene-io/cairn/log"
	"github.com/pithecene-io/cairn/metrics"
	"github.com/pithecene-io/cairn/state"
	"github.com/pithecene-io/cairn/types"
)

const tracerName = "github.com/pithecene-io/cairn/publisher"

// Default retry policy.
const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// ErrEmptyBatch is returned when Publish is called without intentions.
var ErrEmptyBatch = errors.New("empty batch")

// ContentStore stores bundle bytes by content id.
type ContentStore interface {
	Put(ctx context.Context, contentID string, data []byte) error
	Get(ctx context.Context, contentID string) ([]byte, error)
}

// State is the proposer state the publisher reads and advances.
type State interface {
	Head() (uint64, string)
	Advance(ctx context.Context, c state.Commit) error
}

// Config is the retry policy for content and ledger calls.
type Config struct {
	// MaxAttempts bounds the attempts per call, including the first.
	MaxAttempts uint
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Publisher) { p.metrics = c }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Publisher) { p.tracer = tp.Tracer(tracerName) }
}

// WithClock sets the clock used for bundle and commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

type sealed struct {
	bundle *types.Bundle
	data   []byte
}

// Publisher publishes bundles. Publish calls must not overlap; the
// scheduler guarantees at most one in flight.
type Publisher struct {
	content ContentStore
	ledger  ledger.Client
	state   State
	cfg     Config

	logger  *log.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.Mutex
	retained *sealed
}

// New creates a publisher.
func New(content ContentStore, l ledger.Client, st State, cfg Config, opts ...Option) (*Publisher, error) {
	if content == nil || l == nil || st == nil {
		return nil, errors.New("publisher requires a content store, ledger and state")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.InitialBackoff)
	}

	p := &Publisher{
		content: content,
		ledger:  l,
		state:   st,
		cfg:     cfg,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish commits intentions as the next bundle.
// On failure the returned error wraps types.ErrPublishFailed and state is
// unchanged; the caller re-queues the intentions.
func (p *Publisher) Publish(ctx context.Context, intentions []types.Intention) (*types.Bundle, error) {
	if len(intentions) == 0 {
		return nil, fmt.Errorf("%w: %w", types.ErrPublishFailed, ErrEmptyBatch)
	}

	ctx, span := p.tracer.Start(ctx, "publisher.Publish",
		trace.WithAttributes(attribute.Int("cairn.bundle.intentions", len(intentions))))
	defer span.End()

	b, err := p.publish(ctx, intentions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		p.metrics.IncPublishFailure()
		p.logger.Error("bundle publish failed", map[string]any{
			"intentions": len(intentions),
			"error":      err.Error(),
		})
		return nil, fmt.Errorf("%w: %w", types.ErrPublishFailed, err)
	}

	span.SetAttributes(
		attribute.Int64("cairn.bundle.sequence", int64(b.Sequence)),
		attribute.String("cairn.bundle.content_id", b.ContentID),
	)
	p.metrics.IncBundleCommitted(b.Len())
	p.logger.Info("bundle committed", map[string]any{
		"sequence":            b.Sequence,
		"content_id":          b.ContentID,
		"previous_content_id": b.PreviousContentID,
		"intentions":          b.Len(),
	})
	return b, nil
}

func (p *Publisher) publish(ctx context.Context, intentions []types.Intention) (*types.Bundle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq, head := p.state.Head()
	s, err := p.assemble(seq+1, head, intentions)
	if err != nil {
		return nil, err
	}
	p.retained = s
	b := s.bundle

	err = p.retry(ctx, "content.put", func() error {
		err := p.content.Put(ctx, b.ContentID, s.data)
		p.metrics.IncContentPut(err == nil)
		if err != nil && !contentstore.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store bundle %d: %w", b.Sequence, err)
	}

	commitment := ledger.Commitment{
		Sequence:          b.Sequence,
		ContentID:         b.ContentID,
		PreviousContentID: b.PreviousContentID,
	}
	err = p.retry(ctx, "ledger.submit", func() error {
		err := p.ledger.SubmitCommitment(ctx, commitment)
		p.metrics.IncLedgerSubmit(err == nil)
		if errors.Is(err, ledger.ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("anchor bundle %d: %w", b.Sequence, err)
	}

	if err := p.state.Advance(ctx, state.CommitFromBundle(b, p.now())); err != nil {
		return nil, fmt.Errorf("advance state to %d: %w", b.Sequence, err)
	}
	p.retained = nil
	return b, nil
}

// assemble builds and seals the bundle, reusing the retained bundle when the
// batch and head are unchanged since the failed attempt.
func (p *Publisher) assemble(seq uint64, prev string, intentions []types.Intention) (*sealed, error) {
	if r := p.retained; r != nil && r.bundle.Sequence == seq && r.bundle.PreviousContentID == prev &&
		sameIntentions(r.bundle.Intentions, intentions) {
		return r, nil
	}

	b := &types.Bundle{
		Sequence:          seq,
		PreviousContentID: prev,
		CreatedAt:         p.now().UTC(),
		Intentions:        append([]types.Intention(nil), intentions...),
	}
	data, err := canon.Seal(b)
	if err != nil {
		return nil, err
	}
	return &sealed{bundle: b, data: data}, nil
}

func sameIntentions(a, b []types.Intention) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Writer != b[i].Writer || a[i].Nonce != b[i].Nonce {
			return false
		}
	}
	return true
}

// retry runs op under the configured exponential backoff.
// Errors wrapped with backoff.Permanent stop immediately.
func (p *Publisher) retry(ctx context.Context, name string, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.InitialBackoff
	exp.MaxInterval = p.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(p.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.metrics.IncPublishRetry()
			p.logger.Warn("retrying "+name, map[string]any{
				"error":    err.Error(),
				"retry_in": next.String(),
			})
		}),
	)
	return err
}

// Retained returns the bundle kept from a failed publish, if any.
func (p *Publisher) Retained() (*types.Bundle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retained == nil {
		return nil, false
	}
	return p.retained.bundle, true
}
