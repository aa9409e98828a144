// Package pool holds validated intentions awaiting batching.
//
// Concurrency model:
//   - mu guards every field; Accept and DrainAll are mutually exclusive, so an
//     Accept that loses the race to a drain lands in the next batch
//   - Accept repeats the replay check under mu, so two racing submissions of
//     the same writer nonce cannot both be admitted
//   - lock order is pool then state: Accept reads committed nonces while
//     holding mu; state never calls back into the pool
package pool

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pithecene-io/cairn/types"
)

// DefaultCapacity is the default maximum number of pooled intentions.
const DefaultCapacity = 10_000

// ErrInvalidConfig is returned for an invalid pool configuration.
var ErrInvalidConfig = errors.New("invalid pool config")

// NonceSource reports the highest committed nonce per writer.
// state.Tracker implements it.
type NonceSource interface {
	CommittedNonce(writer string) uint64
}

// Config configures the pool.
type Config struct {
	// Capacity is the number of pooled intentions at which Accept fails
	// with pool_saturated. Re-queued batches do not count against it.
	Capacity int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity}
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Size              int   `json:"size"`
	Sealed            int   `json:"sealed"`
	Accepted          int64 `json:"accepted"`
	RejectedSaturated int64 `json:"rejected_saturated"`
	RejectedReplay    int64 `json:"rejected_replay"`
	Drains            int64 `json:"drains"`
	Drained           int64 `json:"drained"`
	Requeued          int64 `json:"requeued"`
	HighWater         int   `json:"high_water"`
}

// Pool is an ordered, bounded holding area for validated intentions.
type Pool struct {
	capacity  int
	committed NonceSource

	mu sync.Mutex
	// sealed is a batch returned by Requeue. It is drained alone so a
	// retried publish sees exactly the same intentions.
	sealed   []types.Intention
	pending  []types.Intention
	admitted map[string]uint64
	stats    Stats
}

// New creates a pool. committed supplies the durable nonce watermark.
func New(cfg Config, committed NonceSource) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be > 0, got %d", ErrInvalidConfig, cfg.Capacity)
	}
	if committed == nil {
		return nil, fmt.Errorf("%w: nonce source is required", ErrInvalidConfig)
	}
	return &Pool{
		capacity:  cfg.Capacity,
		committed: committed,
		admitted:  make(map[string]uint64),
	}, nil
}

// Accept appends a validated intention.
// Returns a *types.RejectionError with reason pool_saturated or
// replayed_nonce.
func (p *Pool) Accept(in types.Intention) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sealed)+len(p.pending) >= p.capacity {
		p.stats.RejectedSaturated++
		return types.Reject(types.ReasonPoolSaturated, &in,
			fmt.Errorf("pool holds %d intentions", len(p.sealed)+len(p.pending)))
	}
	if last := p.highestLocked(in.Writer); in.Nonce <= last {
		p.stats.RejectedReplay++
		return types.Reject(types.ReasonReplayedNonce, &in,
			fmt.Errorf("nonce %d <= last accepted %d", in.Nonce, last))
	}

	p.pending = append(p.pending, in)
	p.admitted[in.Writer] = in.Nonce
	p.stats.Accepted++
	if n := len(p.sealed) + len(p.pending); n > p.stats.HighWater {
		p.stats.HighWater = n
	}
	return nil
}

// HighestNonce returns the highest nonce accepted for writer, pooled or
// committed.
func (p *Pool) HighestNonce(writer string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highestLocked(writer)
}

func (p *Pool) highestLocked(writer string) uint64 {
	return max(p.admitted[writer], p.committed.CommittedNonce(writer))
}

// DrainAll atomically removes and returns the next batch.
// A sealed re-queued batch is returned on its own; otherwise every pending
// intention is returned. Returns nil when the pool is empty.
func (p *Pool) DrainAll() []types.Intention {
	p.mu.Lock()
	defer p.mu.Unlock()

	var batch []types.Intention
	if len(p.sealed) > 0 {
		batch, p.sealed = p.sealed, nil
	} else {
		batch, p.pending = p.pending, nil
	}
	if len(batch) > 0 {
		p.stats.Drains++
		p.stats.Drained += int64(len(batch))
	}
	return batch
}

// Requeue re-admits a batch whose publish failed, ahead of everything
// pending and in its original order. Capacity is not enforced.
func (p *Pool) Requeue(batch []types.Intention) {
	if len(batch) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sealed = append(slices.Clone(batch), p.sealed...)
	p.stats.Requeued += int64(len(batch))
}

// Settle forgets admitted watermarks that a committed bundle now covers.
// Watermarks for writers with later pooled nonces are kept.
func (p *Pool) Settle(committed map[string]uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for w, n := range committed {
		if p.admitted[w] <= n {
			delete(p.admitted, w)
		}
	}
}

// Size returns the number of pooled intentions. Advisory only.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sealed) + len(p.pending)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Size = len(p.sealed) + len(p.pending)
	s.Sealed = len(p.sealed)
	return s
}
