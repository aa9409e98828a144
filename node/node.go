// Package node wires the intention pipeline into a running node.
//
// Lifecycle is New (load state, recover, build components) → Start (run
// the scheduler) → Shutdown (stop ticks, wait for the in-flight publish
// within a deadline, close collaborators). Submit is the single entry
// point for inbound intentions.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/pithecene-io/cairn/auth"
	"github.com/pithecene-io/cairn/canon"
	"github.com/pithecene-io/cairn/eligibility"
	"github.com/pithecene-io/cairn/iox"
	"github.com/pithecene-io/cairn/ledger"
	"github.com/pithecene-io/cairn/log"
	"github.com/pithecene-io/cairn/metrics"
	"github.com/pithecene-io/cairn/pool"
	"github.com/pithecene-io/cairn/publisher"
	"github.com/pithecene-io/cairn/scheduler"
	"github.com/pithecene-io/cairn/signature"
	"github.com/pithecene-io/cairn/state"
	"github.com/pithecene-io/cairn/types"
	"github.com/pithecene-io/cairn/validator"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for an in-flight
// publish.
const DefaultShutdownTimeout = 30 * time.Second

// ErrAlreadyStarted is returned by Start when called twice.
var ErrAlreadyStarted = errors.New("node already started")

// ContentStore is the bundle store the node publishes to and reads from.
type ContentStore interface {
	publisher.ContentStore
	Close() error
}

// Config holds node tuning.
type Config struct {
	NodeID             string
	Interval           time.Duration
	ShutdownTimeout    time.Duration
	EligibilityTimeout time.Duration
	Pool               pool.Config
	Publish            publisher.Config
}

// Deps are the node's collaborators. State, Content and Ledger are
// required; the node takes ownership and closes them on Shutdown.
type Deps struct {
	State    state.Store
	Content  ContentStore
	Ledger   ledger.Client
	Gate     auth.Gate
	Oracle   eligibility.Oracle
	Verifier signature.Verifier

	Logger         *log.Logger
	Metrics        *metrics.Collector
	TracerProvider trace.TracerProvider
}

// Submission is one inbound intention with its credential.
type Submission struct {
	Writer     string          `json:"writer"`
	Nonce      uint64          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	Signature  []byte          `json:"signature"`
	Credential string          `json:"-"`
}

// Receipt acknowledges an accepted intention.
type Receipt struct {
	ID         string    `json:"id"`
	Writer     string    `json:"writer"`
	Nonce      uint64    `json:"nonce"`
	ReceivedAt time.Time `json:"received_at"`
}

// Status is a point-in-time view of the node.
type Status struct {
	NodeID       string           `json:"node_id"`
	Version      string           `json:"version"`
	Phase        string           `json:"phase"`
	ShuttingDown bool             `json:"shutting_down"`
	Sequence     uint64           `json:"sequence"`
	ContentID    string           `json:"content_id,omitempty"`
	Pool         pool.Stats       `json:"pool"`
	Metrics      metrics.Snapshot `json:"-"`
}

// Node is a running intention sequencing node.
type Node struct {
	cfg Config

	tracker   *state.Tracker
	pool      *pool.Pool
	validator *validator.Validator
	publisher *publisher.Publisher
	scheduler *scheduler.Scheduler
	gate      auth.Gate
	content   ContentStore
	ledger    ledger.Client

	logger  *log.Logger
	metrics *metrics.Collector
	now     func() time.Time

	started      atomic.Bool
	shuttingDown atomic.Bool
	runDone      chan struct{}

	mu      sync.Mutex
	closers []iox.Named
	closed  bool
}

// New loads proposer state, replays any ledger commitments beyond it and
// builds the pipeline. Inconsistent state wraps types.ErrStateCorruption.
// On error every dependency in deps is closed.
func New(ctx context.Context, cfg Config, deps Deps) (n *Node, err error) {
	if deps.State == nil || deps.Content == nil || deps.Ledger == nil {
		return nil, errors.New("node requires a state store, content store and ledger")
	}
	defer func() {
		if err != nil {
			_ = iox.CloseAll(
				iox.Named{Name: "content store", Closer: deps.Content},
				iox.Named{Name: "ledger", Closer: deps.Ledger},
				iox.Named{Name: "state store", Closer: deps.State},
			)
		}
	}()

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Pool.Capacity == 0 {
		cfg.Pool = pool.DefaultConfig()
	}
	if deps.Gate == nil {
		deps.Gate = auth.None{}
	}

	tracker := state.NewTracker(deps.State)
	snap, err := tracker.Load(ctx)
	if err != nil {
		return nil, err
	}

	p, err := pool.New(cfg.Pool, tracker)
	if err != nil {
		return nil, err
	}
	v, err := validator.New(validator.Config{
		Verifier:           deps.Verifier,
		Nonces:             p,
		Oracle:             deps.Oracle,
		EligibilityTimeout: cfg.EligibilityTimeout,
	})
	if err != nil {
		return nil, err
	}

	pubOpts := []publisher.Option{
		publisher.WithLogger(deps.Logger.Named("publisher")),
		publisher.WithMetrics(deps.Metrics),
	}
	if deps.TracerProvider != nil {
		pubOpts = append(pubOpts, publisher.WithTracerProvider(deps.TracerProvider))
	}
	pub, err := publisher.New(deps.Content, deps.Ledger, tracker, cfg.Publish, pubOpts...)
	if err != nil {
		return nil, err
	}

	recovered, err := pub.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover from ledger: %w", err)
	}

	sched, err := scheduler.New(p, pub, cfg.Interval,
		scheduler.WithLogger(deps.Logger.Named("scheduler")),
		scheduler.WithMetrics(deps.Metrics),
	)
	if err != nil {
		return nil, err
	}

	seq, head := tracker.Head()
	deps.Logger.Info("proposer state loaded", map[string]any{
		"sequence":   seq,
		"content_id": head,
		"writers":    len(snap.Nonces),
		"recovered":  recovered,
	})

	return &Node{
		cfg:       cfg,
		tracker:   tracker,
		pool:      p,
		validator: v,
		publisher: pub,
		scheduler: sched,
		gate:      deps.Gate,
		content:   deps.Content,
		ledger:    deps.Ledger,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		now:       time.Now,
		runDone:   make(chan struct{}),
	}, nil
}

// Start runs the scheduler in the background.
func (n *Node) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go func() {
		defer close(n.runDone)
		if err := n.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error("scheduler exited", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// OnShutdown registers a closer that Shutdown closes before the node's own
// collaborators. Intended for listeners feeding Submit.
func (n *Node) OnShutdown(name string, c io.Closer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closers = append(n.closers, iox.Named{Name: name, Closer: c})
}

// Submit authorizes, validates and pools one intention.
// Rejections are *types.RejectionError.
func (n *Node) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	in := types.Intention{
		Writer:    sub.Writer,
		Nonce:     sub.Nonce,
		Payload:   sub.Payload,
		Signature: sub.Signature,
	}

	if n.shuttingDown.Load() {
		return Receipt{}, n.reject(types.Reject(types.ReasonShuttingDown, &in, nil))
	}

	principal, err := n.gate.Authorize(ctx, sub.Credential)
	if err != nil {
		return Receipt{}, n.reject(types.Reject(types.ReasonUnauthorized, &in, err))
	}

	in.ID = uuid.NewString()
	in.ReceivedAt = n.now().UTC()

	if err := n.validator.Validate(ctx, &in); err != nil {
		return Receipt{}, n.reject(err)
	}
	if err := n.pool.Accept(in); err != nil {
		return Receipt{}, n.reject(err)
	}

	n.metrics.IncAccepted()
	n.logger.Debug("intention accepted", map[string]any{
		"id":        in.ID,
		"writer":    in.Writer,
		"nonce":     in.Nonce,
		"principal": principal.Subject,
	})
	return Receipt{ID: in.ID, Writer: in.Writer, Nonce: in.Nonce, ReceivedAt: in.ReceivedAt}, nil
}

func (n *Node) reject(err error) error {
	reason, _ := types.ReasonOf(err)
	n.metrics.IncRejected(string(reason))
	n.logger.Debug("intention rejected", map[string]any{
		"reason": string(reason),
		"error":  err.Error(),
	})
	return err
}

// Status returns the current head, scheduler phase and pool counters.
func (n *Node) Status() Status {
	seq, cid := n.tracker.Head()
	ps := n.pool.Stats()
	n.metrics.AbsorbPoolStats(int64(ps.Size), int64(ps.HighWater))
	return Status{
		NodeID:       n.cfg.NodeID,
		Version:      types.Version,
		Phase:        n.scheduler.Phase().String(),
		ShuttingDown: n.shuttingDown.Load(),
		Sequence:     seq,
		ContentID:    cid,
		Pool:         ps,
		Metrics:      n.metrics.Snapshot(),
	}
}

// Bundle fetches and decodes a committed bundle.
func (n *Node) Bundle(ctx context.Context, contentID string) (*types.Bundle, error) {
	data, err := n.content.Get(ctx, contentID)
	if err != nil {
		return nil, err
	}
	return canon.DecodeBundle(data)
}

// History returns up to limit recent commits, newest first.
func (n *Node) History(ctx context.Context, limit int) ([]state.Record, error) {
	return n.tracker.History(ctx, limit)
}

// Tick runs one scheduling step synchronously.
func (n *Node) Tick(ctx context.Context) (scheduler.Outcome, error) {
	return n.scheduler.Tick(ctx)
}

// Shutdown stops the scheduler, waits for the in-flight publish up to the
// shutdown timeout (or ctx's deadline, whichever is first), then closes
// registered listeners and the node's collaborators. Intentions still
// pooled are dropped; their submitters were never told they committed.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	closers := n.closers
	n.mu.Unlock()

	n.shuttingDown.Store(true)
	n.scheduler.Stop()
	if n.started.Load() {
		<-n.runDone
	}

	waitCtx, cancel := context.WithTimeout(ctx, n.cfg.ShutdownTimeout)
	defer cancel()
	if err := n.scheduler.WaitIdle(waitCtx); err != nil {
		n.logger.Error("shutdown deadline reached with publish in flight, exiting degraded", map[string]any{
			"timeout": n.cfg.ShutdownTimeout.String(),
			"error":   err.Error(),
		})
	}

	if size := n.pool.Size(); size > 0 {
		n.logger.Warn("dropping uncommitted intentions", map[string]any{"count": size})
	}

	handles := append([]iox.Named{}, closers...)
	handles = append(handles,
		iox.Named{Name: "content store", Closer: n.content},
		iox.Named{Name: "ledger", Closer: n.ledger},
		iox.Named{Name: "state store", Closer: n.tracker},
	)
	err := iox.CloseAll(handles...)
	if err != nil {
		n.logger.Error("shutdown close errors", map[string]any{"error": err.Error()})
	} else {
		n.logger.Info("node stopped", nil)
	}
	return err
}
