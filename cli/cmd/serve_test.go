package cmd

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/cairn/cli/config"
	"github.com/pithecene-io/cairn/log"
	"github.com/pithecene-io/cairn/signature"
	"github.com/pithecene-io/cairn/state"
	"github.com/pithecene-io/cairn/state/sqlite"
)

func TestServe_SubmitCommitShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Node.ID = "serve-test"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.State = config.StateConfig{Backend: config.BackendSQLite, Path: filepath.Join(dir, "state.db")}
	cfg.Content = config.ContentConfig{Backend: config.BackendFS, Path: filepath.Join(dir, "bundles")}
	cfg.Publish.Interval = config.D(20 * time.Millisecond)
	cfg.Node.ShutdownTimeout = config.D(2 * time.Second)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	logger := log.NewLoggerWithWriter(log.NodeMeta{NodeID: cfg.Node.ID}, zapcore.DebugLevel, io.Discard)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, &cfg, logger, func(addr string) { addrCh <- addr })
	}()

	var base string
	select {
	case addr := <-addrCh:
		base = "http://" + addr
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not become ready")
	}

	_, priv, err := signature.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	req, err := signRequest(signature.EncodePrivateKey(priv), 1, `{"op":"noop"}`)
	if err != nil {
		t.Fatalf("signRequest: %v", err)
	}
	body, _ := json.Marshal(req)
	resp, err := http.Post(base+"/v1/intentions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", resp.StatusCode)
	}

	if err := waitForSequence(base, 1, 5*time.Second); err != nil {
		t.Fatal(err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}

	// The committed head survives the restart boundary.
	store, err := sqlite.Open(t.Context(), cfg.State.Path)
	if err != nil {
		t.Fatalf("reopen state: %v", err)
	}
	view, err := loadStateView(t.Context(), state.NewTracker(store), 5)
	if err != nil {
		t.Fatalf("loadStateView: %v", err)
	}
	if view.Sequence != 1 || len(view.History) != 1 {
		t.Errorf("persisted state = %+v, want one committed bundle", view)
	}
}

func TestServe_InvalidAuthConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Auth.Mode = config.AuthJWT
	cfg.Auth.JWT.Secret = "short"
	logger := log.NewLoggerWithWriter(log.NodeMeta{}, zapcore.InfoLevel, io.Discard)

	if err := serve(t.Context(), &cfg, logger, nil); err == nil {
		t.Fatal("expected error for a short jwt secret")
	}
}

func waitForSequence(base string, want uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var last uint64
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/v1/status")
		if err == nil {
			var body struct {
				Status struct {
					Sequence uint64 `json:"sequence"`
				} `json:"status"`
			}
			err = json.NewDecoder(resp.Body).Decode(&body)
			_ = resp.Body.Close()
			if err == nil {
				last = body.Status.Sequence
				if last >= want {
					return nil
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("sequence = %d after %v, want %d", last, timeout, want)
}
