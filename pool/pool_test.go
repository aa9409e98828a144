package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pithecene-io/cairn/types"
)

// stubNonces is a NonceSource backed by a map.
type stubNonces struct {
	mu sync.Mutex
	m  map[string]uint64
}

func (s *stubNonces) CommittedNonce(w string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[w]
}

func (s *stubNonces) set(w string, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]uint64)
	}
	s.m[w] = n
}

func newPool(t *testing.T, capacity int) (*Pool, *stubNonces) {
	t.Helper()
	src := &stubNonces{}
	p, err := New(Config{Capacity: capacity}, src)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return p, src
}

func intent(w string, n uint64) types.Intention {
	return types.Intention{ID: fmt.Sprintf("%s-%d", w, n), Writer: w, Nonce: n}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{Capacity: 0}, &stubNonces{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero capacity: err = %v, want ErrInvalidConfig", err)
	}
	if _, err := New(DefaultConfig(), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil source: err = %v, want ErrInvalidConfig", err)
	}
}

func TestAccept_ReplayAgainstPoolAndCommitted(t *testing.T) {
	p, src := newPool(t, 10)
	src.set("a", 4)

	if err := p.Accept(intent("a", 4)); !errors.Is(err, types.ErrReplayedNonce) {
		t.Errorf("committed nonce: err = %v, want ErrReplayedNonce", err)
	}
	if err := p.Accept(intent("a", 6)); err != nil {
		t.Fatalf("accept 6: %v", err)
	}
	if err := p.Accept(intent("a", 5)); !errors.Is(err, types.ErrReplayedNonce) {
		t.Errorf("below pooled nonce: err = %v, want ErrReplayedNonce", err)
	}
	if err := p.Accept(intent("a", 6)); !errors.Is(err, types.ErrReplayedNonce) {
		t.Errorf("equal to pooled nonce: err = %v, want ErrReplayedNonce", err)
	}
	if err := p.Accept(intent("b", 1)); err != nil {
		t.Errorf("other writer: %v", err)
	}
	if p.HighestNonce("a") != 6 {
		t.Errorf("HighestNonce = %d, want 6", p.HighestNonce("a"))
	}
	if err := p.Accept(intent("c", 0)); !errors.Is(err, types.ErrReplayedNonce) {
		t.Errorf("nonce 0: err = %v, want ErrReplayedNonce", err)
	}
}

func TestAccept_ConcurrentDuplicateExactlyOneWins(t *testing.T) {
	for range 20 {
		p, _ := newPool(t, 100)
		var wg sync.WaitGroup
		var accepted, replayed atomic.Int64
		start := make(chan struct{})
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := p.Accept(intent("a", 1))
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, types.ErrReplayedNonce):
					replayed.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		if accepted.Load() != 1 || replayed.Load() != 7 {
			t.Fatalf("accepted=%d replayed=%d, want 1/7", accepted.Load(), replayed.Load())
		}
	}
}

func TestAccept_Saturation(t *testing.T) {
	p, _ := newPool(t, 2)
	_ = p.Accept(intent("a", 1))
	_ = p.Accept(intent("a", 2))

	err := p.Accept(intent("a", 3))
	if !errors.Is(err, types.ErrPoolSaturated) {
		t.Fatalf("err = %v, want ErrPoolSaturated", err)
	}
	var re *types.RejectionError
	if !errors.As(err, &re) || !re.Retryable() {
		t.Error("pool_saturated should be a retryable RejectionError")
	}

	// The saturated nonce was never admitted; it can be retried after a drain.
	p.DrainAll()
	if err := p.Accept(intent("a", 3)); err != nil {
		t.Errorf("retry after drain: %v", err)
	}
	if s := p.Stats(); s.RejectedSaturated != 1 || s.HighWater != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDrainAll_EmptiesInReceiptOrder(t *testing.T) {
	p, _ := newPool(t, 10)
	for i := uint64(1); i <= 3; i++ {
		_ = p.Accept(intent("a", i))
	}

	batch := p.DrainAll()
	if len(batch) != 3 || batch[0].Nonce != 1 || batch[2].Nonce != 3 {
		t.Fatalf("batch = %+v", batch)
	}
	if p.Size() != 0 {
		t.Errorf("Size = %d after drain", p.Size())
	}
	if again := p.DrainAll(); again != nil {
		t.Errorf("second drain = %+v, want nil", again)
	}

	// Drained intentions stay admitted until settled.
	if err := p.Accept(intent("a", 2)); !errors.Is(err, types.ErrReplayedNonce) {
		t.Errorf("err = %v, want ErrReplayedNonce", err)
	}
}

func TestDrainAll_ConcurrentAcceptsLandInExactlyOneBatch(t *testing.T) {
	p, _ := newPool(t, 100_000)
	const writers, perWriter = 8, 500

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := uint64(1); n <= perWriter; n++ {
				if err := p.Accept(intent(fmt.Sprintf("w%d", w), n)); err != nil {
					t.Errorf("accept: %v", err)
					return
				}
			}
		}()
	}

	seen := make(map[string]int)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	collect := func() {
		for _, in := range p.DrainAll() {
			seen[in.ID]++
		}
	}
	for {
		select {
		case <-done:
			collect()
			if len(seen) != writers*perWriter {
				t.Fatalf("saw %d intentions, want %d", len(seen), writers*perWriter)
			}
			for id, c := range seen {
				if c != 1 {
					t.Fatalf("%s drained %d times", id, c)
				}
			}
			return
		default:
			collect()
		}
	}
}

func TestRequeue_SealedBatchDrainsAlone(t *testing.T) {
	p, _ := newPool(t, 10)
	_ = p.Accept(intent("a", 1))
	_ = p.Accept(intent("b", 1))
	batch := p.DrainAll()

	_ = p.Accept(intent("a", 2)) // arrives while the batch is publishing
	p.Requeue(batch)

	if p.Size() != 3 {
		t.Errorf("Size = %d, want 3", p.Size())
	}
	retry := p.DrainAll()
	if len(retry) != 2 || retry[0].ID != "a-1" || retry[1].ID != "b-1" {
		t.Fatalf("retry batch = %+v, want the original batch", retry)
	}
	next := p.DrainAll()
	if len(next) != 1 || next[0].ID != "a-2" {
		t.Fatalf("next batch = %+v", next)
	}
	if s := p.Stats(); s.Requeued != 2 || s.Drains != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRequeue_IgnoresCapacity(t *testing.T) {
	p, _ := newPool(t, 2)
	_ = p.Accept(intent("a", 1))
	_ = p.Accept(intent("a", 2))
	batch := p.DrainAll()
	_ = p.Accept(intent("a", 3))
	_ = p.Accept(intent("a", 4))

	p.Requeue(batch)
	if p.Size() != 4 {
		t.Errorf("Size = %d, want 4", p.Size())
	}
	if err := p.Accept(intent("a", 5)); !errors.Is(err, types.ErrPoolSaturated) {
		t.Errorf("err = %v, want ErrPoolSaturated", err)
	}
}

func TestSettle(t *testing.T) {
	p, src := newPool(t, 10)
	_ = p.Accept(intent("a", 1))
	_ = p.Accept(intent("b", 1))
	p.DrainAll()
	_ = p.Accept(intent("b", 2))

	src.set("a", 1)
	src.set("b", 1)
	p.Settle(map[string]uint64{"a": 1, "b": 1})

	if p.HighestNonce("a") != 1 {
		t.Errorf("a: HighestNonce = %d, want committed 1", p.HighestNonce("a"))
	}
	if p.HighestNonce("b") != 2 {
		t.Errorf("b: HighestNonce = %d, want pooled 2", p.HighestNonce("b"))
	}
	if err := p.Accept(intent("a", 1)); !errors.Is(err, types.ErrReplayedNonce) {
		t.Errorf("err = %v, want ErrReplayedNonce", err)
	}
}
