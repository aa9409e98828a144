package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/cairn/auth"
	"github.com/pithecene-io/cairn/canon"
	"github.com/pithecene-io/cairn/contentstore"
	"github.com/pithecene-io/cairn/eligibility"
	"github.com/pithecene-io/cairn/ledger"
	"github.com/pithecene-io/cairn/pool"
	"github.com/pithecene-io/cairn/publisher"
	"github.com/pithecene-io/cairn/scheduler"
	"github.com/pithecene-io/cairn/signature"
	"github.com/pithecene-io/cairn/state"
	"github.com/pithecene-io/cairn/state/sqlite"
	"github.com/pithecene-io/cairn/types"
	"github.com/pithecene-io/cairn/validator"
)

type writer struct {
	id   string
	priv ed25519.PrivateKey
}

func newWriter(t *testing.T) writer {
	t.Helper()
	id, priv, err := signature.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return writer{id: id, priv: priv}
}

func (w writer) submission(t *testing.T, nonce uint64) Submission {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"op":"transfer","n":%d}`, nonce))
	_, sig, err := signature.SignIntention(w.priv, nonce, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return Submission{Writer: w.id, Nonce: nonce, Payload: payload, Signature: sig}
}

type harness struct {
	store   *state.MemoryStore
	content *contentstore.Store
	ledger  *ledger.Memory
	node    *Node
}

func newHarness(t *testing.T, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store:   state.NewMemoryStore(),
		content: contentstore.NewMemory(),
		ledger:  ledger.NewMemory(),
	}
	deps := Deps{State: h.store, Content: h.content, Ledger: h.ledger}
	if mutate != nil {
		mutate(&deps)
	}
	if cfg.Publish == (publisher.Config{}) {
		cfg.Publish = publisher.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	}
	n, err := New(t.Context(), cfg, deps)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	h.node = n
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })
	return h
}

func requireReason(t *testing.T, err error, want types.RejectReason) {
	t.Helper()
	got, ok := types.ReasonOf(err)
	if !ok {
		t.Fatalf("expected rejection %s, got %v", want, err)
	}
	if got != want {
		t.Fatalf("rejection reason = %s, want %s (%v)", got, want, err)
	}
}

func TestSubmit_AcceptAndCommit(t *testing.T) {
	h := newHarness(t, Config{NodeID: "n1"}, nil)
	alice := newWriter(t)

	r1, err := h.node.Submit(t.Context(), alice.submission(t, 1))
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if _, err := h.node.Submit(t.Context(), alice.submission(t, 2)); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if r1.ID == "" || r1.Writer != alice.id || r1.Nonce != 1 || r1.ReceivedAt.IsZero() {
		t.Errorf("receipt = %+v", r1)
	}

	out, err := h.node.Tick(t.Context())
	if err != nil || out != scheduler.OutcomeCommitted {
		t.Fatalf("Tick = %v, %v", out, err)
	}

	st := h.node.Status()
	if st.Sequence != 1 || st.ContentID == "" || st.NodeID != "n1" {
		t.Fatalf("status = %+v", st)
	}
	if st.Metrics.IntentionsAccepted != 2 || st.Metrics.BundlesCommitted != 1 {
		t.Errorf("metrics = %+v", st.Metrics)
	}

	b, err := h.node.Bundle(t.Context(), st.ContentID)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if b.Len() != 2 || b.Intentions[0].ID != r1.ID {
		t.Errorf("bundle intentions = %+v", b.Intentions)
	}

	hist, err := h.node.History(t.Context(), 10)
	if err != nil || len(hist) != 1 || hist[0].ContentID != st.ContentID {
		t.Errorf("history = %+v, %v", hist, err)
	}

	if out, _ := h.node.Tick(t.Context()); out != scheduler.OutcomeEmpty {
		t.Errorf("second Tick = %v, want empty", out)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	alice := newWriter(t)
	mallory := newWriter(t)

	tests := []struct {
		name   string
		cfg    Config
		deps   func(*Deps)
		setup  func(t *testing.T, n *Node)
		sub    func(t *testing.T) Submission
		reason types.RejectReason
	}{
		{
			name: "bad signature",
			sub: func(t *testing.T) Submission {
				s := alice.submission(t, 1)
				s.Signature[0] ^= 0xff
				return s
			},
			reason: types.ReasonInvalidSignature,
		},
		{
			name: "signature from another key",
			sub: func(t *testing.T) Submission {
				s := mallory.submission(t, 1)
				s.Writer = alice.id
				return s
			},
			reason: types.ReasonInvalidSignature,
		},
		{
			name:   "malformed payload",
			sub:    func(*testing.T) Submission { return Submission{Writer: alice.id, Nonce: 1, Signature: []byte{1}} },
			reason: types.ReasonMalformed,
		},
		{
			name: "replay of pooled nonce",
			setup: func(t *testing.T, n *Node) {
				if _, err := n.Submit(t.Context(), alice.submission(t, 3)); err != nil {
					t.Fatalf("setup submit: %v", err)
				}
			},
			sub:    func(t *testing.T) Submission { return alice.submission(t, 2) },
			reason: types.ReasonReplayedNonce,
		},
		{
			name: "replay of committed nonce",
			setup: func(t *testing.T, n *Node) {
				if _, err := n.Submit(t.Context(), alice.submission(t, 1)); err != nil {
					t.Fatalf("setup submit: %v", err)
				}
				if out, err := n.Tick(t.Context()); out != scheduler.OutcomeCommitted {
					t.Fatalf("setup tick: %v %v", out, err)
				}
			},
			sub:    func(t *testing.T) Submission { return alice.submission(t, 1) },
			reason: types.ReasonReplayedNonce,
		},
		{
			name: "unauthorized",
			deps: func(d *Deps) {
				g, err := auth.NewStaticTokens([]auth.StaticToken{{Subject: "ci", SHA256: auth.HashToken("secret")}})
				if err != nil {
					panic(err)
				}
				d.Gate = g
			},
			sub: func(t *testing.T) Submission {
				s := alice.submission(t, 1)
				s.Credential = "wrong"
				return s
			},
			reason: types.ReasonUnauthorized,
		},
		{
			name:   "not eligible",
			deps:   func(d *Deps) { d.Oracle = eligibility.NewAllowlist(mallory.id) },
			sub:    func(t *testing.T) Submission { return alice.submission(t, 1) },
			reason: types.ReasonNotEligible,
		},
		{
			name: "pool saturated",
			cfg:  Config{Pool: pool.Config{Capacity: 1}},
			setup: func(t *testing.T, n *Node) {
				if _, err := n.Submit(t.Context(), mallory.submission(t, 1)); err != nil {
					t.Fatalf("setup submit: %v", err)
				}
			},
			sub:    func(t *testing.T) Submission { return alice.submission(t, 1) },
			reason: types.ReasonPoolSaturated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.cfg, tt.deps)
			if tt.setup != nil {
				tt.setup(t, h.node)
			}
			_, err := h.node.Submit(t.Context(), tt.sub(t))
			requireReason(t, err, tt.reason)

			var re *types.RejectionError
			if !errors.As(err, &re) || re.Retryable() != tt.reason.Retryable() {
				t.Errorf("retryable flag mismatch for %s", tt.reason)
			}
			if got := h.node.Status().Metrics.RejectedByReason[string(tt.reason)]; got != 1 {
				t.Errorf("RejectedByReason[%s] = %d, want 1", tt.reason, got)
			}
		})
	}
}

func TestSubmit_AuthorizedToken(t *testing.T) {
	h := newHarness(t, Config{}, func(d *Deps) {
		g, err := auth.NewStaticTokens([]auth.StaticToken{{Subject: "ci", SHA256: auth.HashToken("secret")}})
		if err != nil {
			t.Fatalf("gate: %v", err)
		}
		d.Gate = g
	})
	alice := newWriter(t)
	s := alice.submission(t, 1)
	s.Credential = "secret"
	if _, err := h.node.Submit(t.Context(), s); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestSubmit_ConcurrentWritersCommitExactlyOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	const writers = 8
	const perWriter = 25

	ws := make([]writer, writers)
	for i := range ws {
		ws[i] = newWriter(t)
	}

	stop := make(chan struct{})
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = h.node.Tick(t.Context())
			}
		}
	}()

	var wg sync.WaitGroup
	for _, w := range ws {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := uint64(1); n <= perWriter; n++ {
				if _, err := h.node.Submit(t.Context(), w.submission(t, n)); err != nil {
					t.Errorf("submit %s/%d: %v", w.id[:8], n, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-tickerDone
	for {
		out, err := h.node.Tick(t.Context())
		if err != nil {
			t.Fatalf("final tick: %v", err)
		}
		if out == scheduler.OutcomeEmpty {
			break
		}
	}

	hist, err := h.node.History(t.Context(), 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	seen := make(map[string]uint64)
	total := 0
	prev := ""
	for i := len(hist) - 1; i >= 0; i-- {
		rec := hist[i]
		if rec.PreviousContentID != prev {
			t.Fatalf("bundle %d links to %q, want %q", rec.Sequence, rec.PreviousContentID, prev)
		}
		prev = rec.ContentID
		b, err := h.node.Bundle(t.Context(), rec.ContentID)
		if err != nil {
			t.Fatalf("bundle %d: %v", rec.Sequence, err)
		}
		for _, in := range b.Intentions {
			if in.Nonce <= seen[in.Writer] {
				t.Fatalf("writer %s nonce %d after %d", in.Writer[:8], in.Nonce, seen[in.Writer])
			}
			seen[in.Writer] = in.Nonce
			total++
		}
	}
	if total != writers*perWriter {
		t.Errorf("committed %d intentions, want %d", total, writers*perWriter)
	}
}

type orderedCloser struct {
	name  string
	order *[]string
	mu    *sync.Mutex
}

func (c orderedCloser) Close() error {
	c.mu.Lock()
	*c.order = append(*c.order, c.name)
	c.mu.Unlock()
	return nil
}

func TestShutdown_RejectsAndClosesInOrder(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour}, nil)
	if err := h.node.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.node.Start(t.Context()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	var mu sync.Mutex
	var order []string
	h.node.OnShutdown("http", orderedCloser{name: "http", order: &order, mu: &mu})

	if err := h.node.Shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(order) != 1 || order[0] != "http" {
		t.Errorf("closers = %v", order)
	}
	if !h.store.Closed() || !h.ledger.Closed() {
		t.Error("state store and ledger must be closed")
	}

	alice := newWriter(t)
	_, err := h.node.Submit(t.Context(), alice.submission(t, 1))
	requireReason(t, err, types.ReasonShuttingDown)
	if !errors.Is(err, types.ErrShuttingDown) {
		t.Errorf("error does not match ErrShuttingDown: %v", err)
	}

	// Idempotent.
	if err := h.node.Shutdown(t.Context()); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}

func TestShutdown_DegradedExitAfterTimeout(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h := newHarness(t, Config{ShutdownTimeout: 20 * time.Millisecond}, nil)
	h.ledger.Fail = func(ledger.Commitment) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	alice := newWriter(t)
	if _, err := h.node.Submit(t.Context(), alice.submission(t, 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		_, _ = h.node.Tick(t.Context())
	}()
	<-entered

	start := time.Now()
	_ = h.node.Shutdown(t.Context())
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("shutdown took %v despite 20ms timeout", elapsed)
	}
	close(release)
	<-tickDone
}

type closeErr struct{}

func (closeErr) Close() error { return io.ErrClosedPipe }

func TestShutdown_ReportsCloseErrors(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.node.OnShutdown("listener", closeErr{})

	err := h.node.Shutdown(t.Context())
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("shutdown error = %v, want ErrClosedPipe", err)
	}
	if !h.store.Closed() {
		t.Error("later closers must still run after a failure")
	}
}

func TestNew_CorruptStateRefusesToStart(t *testing.T) {
	store := state.NewMemoryStoreFrom(state.Snapshot{Sequence: 3})
	l := ledger.NewMemory()
	_, err := New(t.Context(), Config{}, Deps{State: store, Content: contentstore.NewMemory(), Ledger: l})
	if !errors.Is(err, types.ErrStateCorruption) {
		t.Fatalf("expected ErrStateCorruption, got %v", err)
	}
	if !store.Closed() || !l.Closed() {
		t.Error("dependencies must be closed when New fails")
	}
}

func TestNew_RecoversLedgerAheadOfState(t *testing.T) {
	content := contentstore.NewMemory()
	l := ledger.NewMemory()
	alice := newWriter(t)
	sub := alice.submission(t, 4)

	b := &types.Bundle{
		Sequence:  1,
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Intentions: []types.Intention{{
			ID: "x", Writer: sub.Writer, Nonce: sub.Nonce, Payload: sub.Payload, Signature: sub.Signature,
		}},
	}
	data, err := canon.Seal(b)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := content.Put(t.Context(), b.ContentID, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := l.SubmitCommitment(t.Context(), ledger.Commitment{Sequence: 1, ContentID: b.ContentID}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	n, err := New(t.Context(), Config{}, Deps{State: state.NewMemoryStore(), Content: content, Ledger: l})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })

	if st := n.Status(); st.Sequence != 1 || st.ContentID != b.ContentID {
		t.Fatalf("status after recovery = %+v", st)
	}
	_, err = n.Submit(t.Context(), alice.submission(t, 4))
	requireReason(t, err, types.ReasonReplayedNonce)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(t.Context(), Config{}, Deps{}); err == nil {
		t.Fatal("expected error without collaborators")
	}
}

func TestTick_LedgerOutageAcrossCyclesKeepsBundleIdentity(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	alice := newWriter(t)
	bob := newWriter(t)

	for n := uint64(1); n <= 3; n++ {
		if _, err := h.node.Submit(t.Context(), alice.submission(t, n)); err != nil {
			t.Fatalf("submit %d: %v", n, err)
		}
	}

	h.ledger.Fail = func(ledger.Commitment) error { return ledger.ErrUnavailable }
	var failedID string
	for cycle := 1; cycle <= 2; cycle++ {
		out, err := h.node.Tick(t.Context())
		if out != scheduler.OutcomeFailed || !errors.Is(err, types.ErrPublishFailed) {
			t.Fatalf("cycle %d: Tick = %v, %v", cycle, out, err)
		}
		retained, ok := h.node.publisher.Retained()
		if !ok {
			t.Fatalf("cycle %d: no retained bundle", cycle)
		}
		if failedID == "" {
			failedID = retained.ContentID
		} else if retained.ContentID != failedID {
			t.Fatalf("cycle %d: content id changed from %s to %s", cycle, failedID, retained.ContentID)
		}
	}

	// Arrives while the failed batch waits at the head of the pool.
	if _, err := h.node.Submit(t.Context(), bob.submission(t, 1)); err != nil {
		t.Fatalf("submit bob: %v", err)
	}

	h.ledger.Fail = nil
	if out, err := h.node.Tick(t.Context()); out != scheduler.OutcomeCommitted {
		t.Fatalf("third cycle: Tick = %v, %v", out, err)
	}
	st := h.node.Status()
	if st.Sequence != 1 || st.ContentID != failedID {
		t.Fatalf("head = %d %s, want 1 %s", st.Sequence, st.ContentID, failedID)
	}
	b, err := h.node.Bundle(t.Context(), failedID)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	for _, in := range b.Intentions {
		if in.Writer == bob.id {
			t.Fatal("intention admitted after the failed batch joined its bundle")
		}
	}

	if out, err := h.node.Tick(t.Context()); out != scheduler.OutcomeCommitted {
		t.Fatalf("fourth cycle: Tick = %v, %v", out, err)
	}
	next := h.node.Status()
	if next.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", next.Sequence)
	}
	b2, err := h.node.Bundle(t.Context(), next.ContentID)
	if err != nil {
		t.Fatalf("bundle 2: %v", err)
	}
	if b2.PreviousContentID != failedID || b2.Len() != 1 || b2.Intentions[0].Writer != bob.id {
		t.Errorf("bundle 2 = prev %s, %+v", b2.PreviousContentID, b2.Intentions)
	}
}

func TestSubmit_NonceBeyondStorableRangeKeepsSQLitePipelineMoving(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := sqlite.Open(t.Context(), path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	n, err := New(t.Context(), Config{
		Publish: publisher.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, Deps{State: store, Content: contentstore.NewMemory(), Ledger: ledger.NewMemory()})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	alice := newWriter(t)
	bob := newWriter(t)

	_, err = n.Submit(t.Context(), alice.submission(t, math.MaxUint64))
	requireReason(t, err, types.ReasonMalformed)

	if _, err := n.Submit(t.Context(), alice.submission(t, validator.MaxNonce)); err != nil {
		t.Fatalf("submit largest storable nonce: %v", err)
	}
	if _, err := n.Submit(t.Context(), bob.submission(t, 1)); err != nil {
		t.Fatalf("submit bob: %v", err)
	}

	if out, err := n.Tick(t.Context()); out != scheduler.OutcomeCommitted {
		t.Fatalf("Tick = %v, %v", out, err)
	}
	if st := n.Status(); st.Sequence != 1 || st.Pool.Size != 0 {
		t.Fatalf("status = %+v", st)
	}
	if err := n.Shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	reopened, err := sqlite.Open(t.Context(), path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	snap, err := reopened.Load(t.Context())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Sequence != 1 || snap.Nonces[alice.id] != validator.MaxNonce || snap.Nonces[bob.id] != 1 {
		t.Errorf("persisted state = %+v", snap)
	}
}
