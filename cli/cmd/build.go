package cmd

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pithecene-io/cairn/auth"
	"github.com/pithecene-io/cairn/cli/config"
	"github.com/pithecene-io/cairn/contentstore"
	"github.com/pithecene-io/cairn/eligibility"
	"github.com/pithecene-io/cairn/ledger"
	"github.com/pithecene-io/cairn/ledger/redis"
	"github.com/pithecene-io/cairn/ledger/webhook"
	"github.com/pithecene-io/cairn/node"
	"github.com/pithecene-io/cairn/pool"
	"github.com/pithecene-io/cairn/publisher"
	"github.com/pithecene-io/cairn/state"
	"github.com/pithecene-io/cairn/state/postgres"
	"github.com/pithecene-io/cairn/state/sqlite"
)

// openState opens the configured durable state store.
func openState(ctx context.Context, cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return state.NewMemoryStore(), nil
	case config.BackendSQLite:
		return sqlite.Open(ctx, cfg.Path)
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// openContent opens the configured content store.
func openContent(ctx context.Context, cfg config.ContentConfig) (*contentstore.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return contentstore.NewMemory(), nil
	case config.BackendFS:
		return contentstore.NewFS(cfg.Path)
	case config.BackendS3:
		bucket, prefix := contentstore.ParseS3Path(cfg.Path)
		return contentstore.NewS3(ctx, contentstore.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.Backend)
	}
}

// openLedger creates the configured ledger client.
func openLedger(cfg config.LedgerConfig) (ledger.Client, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return ledger.NewMemory(), nil
	case config.BackendRedis:
		return redis.New(redis.Config{
			URL:     cfg.URL,
			Prefix:  cfg.Prefix,
			Timeout: cfg.Timeout.Duration,
		})
	case config.BackendWebhook:
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
		})
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// buildGate creates the configured auth gate.
func buildGate(cfg config.AuthConfig) (auth.Gate, error) {
	switch cfg.Mode {
	case config.AuthNone:
		return auth.None{}, nil
	case config.AuthToken:
		return auth.NewStaticTokens(cfg.Tokens)
	case config.AuthJWT:
		jc := auth.JWTConfig{
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
			Leeway:   cfg.JWT.Leeway.Duration,
		}
		if cfg.JWT.Secret != "" {
			jc.HMACSecret = []byte(cfg.JWT.Secret)
		}
		if cfg.JWT.PublicKey != "" {
			raw, err := hex.DecodeString(cfg.JWT.PublicKey)
			if err != nil || len(raw) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("auth.jwt.public_key must be %d hex-encoded bytes", ed25519.PublicKeySize)
			}
			jc.PublicKey = ed25519.PublicKey(raw)
		}
		return auth.NewJWT(jc)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// buildOracle creates the configured eligibility oracle.
func buildOracle(cfg config.EligibilityConfig) (eligibility.Oracle, error) {
	switch cfg.Mode {
	case config.EligibilityAllow:
		return eligibility.AllowAll{}, nil
	case config.EligibilityAllowlist:
		return eligibility.NewAllowlist(cfg.Writers...), nil
	case config.EligibilityWebhook:
		return eligibility.NewWebhook(eligibility.WebhookConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
		})
	default:
		return nil, fmt.Errorf("unknown eligibility mode %q", cfg.Mode)
	}
}

// nodeConfig maps file config onto node tuning.
func nodeConfig(cfg *config.Config) node.Config {
	return node.Config{
		NodeID:             cfg.Node.ID,
		Interval:           cfg.Publish.Interval.Duration,
		ShutdownTimeout:    cfg.Node.ShutdownTimeout.Duration,
		EligibilityTimeout: cfg.Eligibility.Timeout.Duration,
		Pool:               pool.Config{Capacity: cfg.Pool.Capacity},
		Publish: publisher.Config{
			MaxAttempts:    cfg.Publish.MaxAttempts,
			InitialBackoff: cfg.Publish.InitialBackoff.Duration,
			MaxBackoff:     cfg.Publish.MaxBackoff.Duration,
		},
	}
}

// stores holds the collaborators opened for a command. Ownership passes
// to the node once node.New is called.
type stores struct {
	state   state.Store
	content *contentstore.Store
	ledger  ledger.Client
}

// openStores opens state, content and ledger, closing whatever was opened
// if a later one fails.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	st, err := openState(ctx, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	content, err := openContent(ctx, cfg.Content)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open content store: %w", err)
	}
	led, err := openLedger(cfg.Ledger)
	if err != nil {
		_ = content.Close()
		_ = st.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &stores{state: st, content: content, ledger: led}, nil
}

// withTimeout bounds command-scoped storage calls.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 30*time.Second)
}
