// Package metrics provides node-wide counters.
//
// The Collector accumulates counters for the lifetime of a node. It is a
// leaf package with no internal dependencies. Pool occupancy is absorbed
// from pool.Stats when a snapshot is taken rather than recorded live.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all node metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Intake
	IntentionsAccepted int64
	IntentionsRejected int64
	RejectedByReason   map[string]int64

	// Scheduler
	TicksEmpty   int64
	TicksSkipped int64

	// Publisher
	BundlesCommitted    int64
	IntentionsCommitted int64
	PublishFailures     int64
	PublishRetries      int64
	BatchesRequeued     int64

	// Collaborators
	ContentPutSuccess   int64
	ContentPutFailure   int64
	LedgerSubmitSuccess int64
	LedgerSubmitFailure int64

	// Pool (absorbed from pool.Stats)
	PoolSize      int64
	PoolHighWater int64

	// Dimensions (informational, set at construction)
	NodeID         string
	StateBackend   string
	LedgerBackend  string
	ContentBackend string
}

// Collector accumulates node metrics.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	intentionsAccepted int64
	intentionsRejected int64
	rejectedByReason   map[string]int64

	ticksEmpty   int64
	ticksSkipped int64

	bundlesCommitted    int64
	intentionsCommitted int64
	publishFailures     int64
	publishRetries      int64
	batchesRequeued     int64

	contentPutSuccess   int64
	contentPutFailure   int64
	ledgerSubmitSuccess int64
	ledgerSubmitFailure int64

	poolSize      int64
	poolHighWater int64

	nodeID         string
	stateBackend   string
	ledgerBackend  string
	contentBackend string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(nodeID, stateBackend, ledgerBackend, contentBackend string) *Collector {
	return &Collector{
		rejectedByReason: make(map[string]int64),
		nodeID:           nodeID,
		stateBackend:     stateBackend,
		ledgerBackend:    ledgerBackend,
		contentBackend:   contentBackend,
	}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Intake ---

// IncAccepted records an intention admitted to the pool.
func (c *Collector) IncAccepted() {
	if c == nil {
		return
	}
	c.add(&c.intentionsAccepted, 1)
}

// IncRejected records a rejected submission by reason.
func (c *Collector) IncRejected(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.intentionsRejected++
	c.rejectedByReason[reason]++
	c.mu.Unlock()
}

// --- Scheduler ---

// IncTickEmpty records a tick that found the pool empty.
func (c *Collector) IncTickEmpty() {
	if c == nil {
		return
	}
	c.add(&c.ticksEmpty, 1)
}

// IncTickSkipped records a tick that fired while a publish was in flight.
func (c *Collector) IncTickSkipped() {
	if c == nil {
		return
	}
	c.add(&c.ticksSkipped, 1)
}

// --- Publisher ---

// IncBundleCommitted records a committed bundle of n intentions.
func (c *Collector) IncBundleCommitted(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bundlesCommitted++
	c.intentionsCommitted += int64(n)
	c.mu.Unlock()
}

// IncPublishFailure records a publish cycle that ended without a commit.
func (c *Collector) IncPublishFailure() {
	if c == nil {
		return
	}
	c.add(&c.publishFailures, 1)
}

// IncPublishRetry records one retried collaborator call.
func (c *Collector) IncPublishRetry() {
	if c == nil {
		return
	}
	c.add(&c.publishRetries, 1)
}

// IncRequeued records a failed batch returned to the pool.
func (c *Collector) IncRequeued() {
	if c == nil {
		return
	}
	c.add(&c.batchesRequeued, 1)
}

// --- Collaborators ---
// Counters are per-call: one Put or SubmitCommitment attempt counts once.

// IncContentPut records a content store Put attempt.
func (c *Collector) IncContentPut(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.add(&c.contentPutSuccess, 1)
		return
	}
	c.add(&c.contentPutFailure, 1)
}

// IncLedgerSubmit records a ledger submission attempt.
func (c *Collector) IncLedgerSubmit(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.add(&c.ledgerSubmitSuccess, 1)
		return
	}
	c.add(&c.ledgerSubmitFailure, 1)
}

// --- Pool (absorbed from pool.Stats) ---

// AbsorbPoolStats copies pool occupancy into the collector.
func (c *Collector) AbsorbPoolStats(size, highWater int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.poolSize = size
	c.poolHighWater = highWater
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byReason := make(map[string]int64, len(c.rejectedByReason))
	for k, v := range c.rejectedByReason {
		byReason[k] = v
	}

	return Snapshot{
		IntentionsAccepted: c.intentionsAccepted,
		IntentionsRejected: c.intentionsRejected,
		RejectedByReason:   byReason,

		TicksEmpty:   c.ticksEmpty,
		TicksSkipped: c.ticksSkipped,

		BundlesCommitted:    c.bundlesCommitted,
		IntentionsCommitted: c.intentionsCommitted,
		PublishFailures:     c.publishFailures,
		PublishRetries:      c.publishRetries,
		BatchesRequeued:     c.batchesRequeued,

		ContentPutSuccess:   c.contentPutSuccess,
		ContentPutFailure:   c.contentPutFailure,
		LedgerSubmitSuccess: c.ledgerSubmitSuccess,
		LedgerSubmitFailure: c.ledgerSubmitFailure,

		PoolSize:      c.poolSize,
		PoolHighWater: c.poolHighWater,

		NodeID:         c.nodeID,
		StateBackend:   c.stateBackend,
		LedgerBackend:  c.ledgerBackend,
		ContentBackend: c.contentBackend,
	}
}
