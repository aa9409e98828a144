// Package redis implements a ledger on Redis.
//
// Commitments live in a hash keyed by sequence number; the head commitment
// is a separate key. Each append also goes to a stream so downstream
// consumers can follow the chain with XREAD. Appends run under WATCH on the
// hash and head, so concurrent proposers cannot both extend the same head.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/cairn/ledger"
)

// DefaultPrefix is the default key prefix.
const DefaultPrefix = "cairn:ledger"

// DefaultTimeout is the default per-operation timeout.
const DefaultTimeout = 5 * time.Second

// Config configures the Redis ledger.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Prefix namespaces the ledger keys (default: cairn:ledger).
	Prefix string
	// Timeout is the per-operation timeout (default 5s).
	Timeout time.Duration
}

// Ledger anchors commitments in Redis.
type Ledger struct {
	config Config
	client *goredis.Client
}

// New creates a Redis ledger from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Ledger, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis ledger requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis ledger: invalid URL: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Ledger{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

func (l *Ledger) commitmentsKey() string { return l.config.Prefix + ":commitments" }
func (l *Ledger) headKey() string        { return l.config.Prefix + ":head" }

// StreamKey is the stream every confirmed commitment is appended to.
func (l *Ledger) StreamKey() string { return l.config.Prefix + ":stream" }

func field(seq uint64) string { return strconv.FormatUint(seq, 10) }

func decode(raw string) (*ledger.Commitment, error) {
	var c ledger.Commitment
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode commitment: %w", err)
	}
	return &c, nil
}

// SubmitCommitment appends c if it extends the head.
func (l *Ledger) SubmitCommitment(ctx context.Context, c ledger.Commitment) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis: marshal commitment: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	var verdict error
	txf := func(tx *goredis.Tx) error {
		existing, err := l.get(ctx, tx, l.commitmentsKey(), field(c.Sequence))
		if err != nil {
			return err
		}
		head, err := l.getHead(ctx, tx)
		if err != nil {
			return err
		}

		dup, err := ledger.Admit(head, existing, c)
		if err != nil || dup {
			verdict = err
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, l.commitmentsKey(), field(c.Sequence), body)
			pipe.Set(ctx, l.headKey(), body, 0)
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: l.StreamKey(),
				Values: []any{
					"sequence", c.Sequence,
					"content_id", c.ContentID,
					"previous_content_id", c.PreviousContentID,
				},
			})
			return nil
		})
		return err
	}

	if err := l.client.Watch(ctx, txf, l.commitmentsKey(), l.headKey()); err != nil {
		if errors.Is(err, goredis.TxFailedErr) {
			return fmt.Errorf("%w: concurrent append to head", ledger.ErrUnavailable)
		}
		return fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}
	return verdict
}

func (l *Ledger) get(ctx context.Context, c goredis.Cmdable, key, f string) (*ledger.Commitment, error) {
	raw, err := c.HGet(ctx, key, f).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (l *Ledger) getHead(ctx context.Context, c goredis.Cmdable) (*ledger.Commitment, error) {
	raw, err := c.Get(ctx, l.headKey()).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// Commitment returns the commitment recorded at seq.
func (l *Ledger) Commitment(ctx context.Context, seq uint64) (ledger.Commitment, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	c, err := l.get(ctx, l.client, l.commitmentsKey(), field(seq))
	if err != nil {
		return ledger.Commitment{}, false, fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}
	if c == nil {
		return ledger.Commitment{}, false, nil
	}
	return *c, true, nil
}

// Close releases the Redis connection pool.
func (l *Ledger) Close() error {
	return l.client.Close()
}

// Verify Ledger implements the ledger client interface.
var _ ledger.Client = (*Ledger)(nil)
