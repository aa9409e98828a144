// Package scheduler drives the bundle cadence.
//
// The scheduler is a two-state machine. A tick while Idle drains the pool
// and, if the batch is non-empty, moves to Publishing until the publish
// returns. A tick while Publishing is skipped. A failed batch goes back to
// the head of the pool; a committed batch settles the pool's nonce
// watermarks.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/cairn/log"
	"github.com/pithecene-io/cairn/metrics"
	"github.com/pithecene-io/cairn/types"
)

// DefaultInterval is the default bundle cadence.
const DefaultInterval = 2 * time.Second

// Phase is the scheduler state.
type Phase int

const (
	// Idle means no publish is in flight.
	Idle Phase = iota
	// Publishing means a publish is in flight.
	Publishing
)

func (p Phase) String() string {
	if p == Publishing {
		return "publishing"
	}
	return "idle"
}

// Outcome is the result of one tick.
type Outcome int

const (
	// OutcomeEmpty means the pool was empty; no sequence was consumed.
	OutcomeEmpty Outcome = iota
	// OutcomeSkipped means a publish was already in flight.
	OutcomeSkipped
	// OutcomeCommitted means a bundle was committed.
	OutcomeCommitted
	// OutcomeFailed means the publish failed and the batch was re-queued.
	OutcomeFailed
	// OutcomeStopped means the scheduler has been stopped.
	OutcomeStopped
)

var outcomeNames = map[Outcome]string{
	OutcomeEmpty:     "empty",
	OutcomeSkipped:   "skipped",
	OutcomeCommitted: "committed",
	OutcomeFailed:    "failed",
	OutcomeStopped:   "stopped",
}

func (o Outcome) String() string { return outcomeNames[o] }

// ErrStopped is returned by Run when called on a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

// Pool is the batch source.
type Pool interface {
	DrainAll() []types.Intention
	Requeue(batch []types.Intention)
	Settle(committed map[string]uint64)
}

// Publisher commits a batch.
type Publisher interface {
	Publish(ctx context.Context, intentions []types.Intention) (*types.Bundle, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// Scheduler runs the tick loop.
type Scheduler struct {
	pool     Pool
	pub      Publisher
	interval time.Duration
	logger   *log.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	phase   Phase
	stopped bool
	// idle is closed when the in-flight publish finishes.
	idle   chan struct{}
	stopCh chan struct{}
}

// New creates a scheduler. interval <= 0 uses DefaultInterval.
func New(pool Pool, pub Publisher, interval time.Duration, opts ...Option) (*Scheduler, error) {
	if pool == nil || pub == nil {
		return nil, errors.New("scheduler requires a pool and a publisher")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		pool:     pool,
		pub:      pub,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Phase returns the current state.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Tick performs one scheduling step. The publish runs on a context that
// ignores ctx's cancellation, bounded by the publisher's retry policy.
func (s *Scheduler) Tick(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return OutcomeStopped, nil
	}
	if s.phase == Publishing {
		s.mu.Unlock()
		s.metrics.IncTickSkipped()
		s.logger.Debug("tick skipped, publish in flight", nil)
		return OutcomeSkipped, nil
	}
	batch := s.pool.DrainAll()
	if len(batch) == 0 {
		s.mu.Unlock()
		s.metrics.IncTickEmpty()
		return OutcomeEmpty, nil
	}
	s.phase = Publishing
	s.idle = make(chan struct{})
	s.mu.Unlock()

	defer s.finish()

	b, err := s.pub.Publish(context.WithoutCancel(ctx), batch)
	if err != nil {
		s.pool.Requeue(batch)
		s.metrics.IncRequeued()
		s.logger.Warn("batch re-queued after failed publish", map[string]any{
			"intentions": len(batch),
			"error":      err.Error(),
		})
		return OutcomeFailed, err
	}
	s.pool.Settle(types.NonceUpdates(b.Intentions))
	return OutcomeCommitted, nil
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	s.phase = Idle
	close(s.idle)
	s.mu.Unlock()
}

// Run fires Tick every interval until Stop is called or ctx is done.
// Each tick runs on its own goroutine so a slow publish is observed as
// skipped ticks rather than a stalled timer.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", map[string]any{"interval": s.interval.String()})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			go func() { _, _ = s.Tick(ctx) }()
		}
	}
}

// Stop prevents further ticks. An in-flight publish is not aborted; use
// WaitIdle to wait for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

// WaitIdle blocks until no publish is in flight or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.phase == Idle {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
