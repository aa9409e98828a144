package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/cairn/cli/config"
	"github.com/pithecene-io/cairn/log"
	"github.com/pithecene-io/cairn/metrics"
	"github.com/pithecene-io/cairn/node"
	"github.com/pithecene-io/cairn/signature"
	"github.com/pithecene-io/cairn/telemetry"
	"github.com/pithecene-io/cairn/transport/httpapi"
	"github.com/pithecene-io/cairn/types"
)

// ServeCommand returns the serve command, the node's only long-running
// entrypoint.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the node: accept intentions over HTTP and publish bundles",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP listen address (overrides http.addr)",
			},
			&cli.StringFlag{
				Name:  "node-id",
				Usage: "Node identifier (overrides node.id)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error (overrides log.level)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := config.Resolve(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), ExitError)
	}
	if c.IsSet("addr") {
		cfg.HTTP.Addr = c.String("addr")
	}
	if c.IsSet("node-id") {
		cfg.Node.ID = c.String("node-id")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid config:\n%v", err), ExitError)
	}

	logger := log.NewLogger(log.NodeMeta{NodeID: cfg.Node.ID, Version: types.Version}, levelOf(cfg))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return exitFor(serve(ctx, cfg, logger, nil))
}

// serve runs a node until ctx is cancelled, then shuts it down.
// ready, when non-nil, receives the bound HTTP address once listening.
func serve(ctx context.Context, cfg *config.Config, logger *log.Logger, ready func(addr string)) error {
	tp, shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		NodeID:      cfg.Node.ID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", map[string]any{"error": err.Error()})
		}
	}()

	gate, err := buildGate(cfg.Auth)
	if err != nil {
		return fmt.Errorf("build auth gate: %w", err)
	}
	oracle, err := buildOracle(cfg.Eligibility)
	if err != nil {
		return fmt.Errorf("build eligibility oracle: %w", err)
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(cfg.Node.ID, cfg.State.Backend, cfg.Ledger.Backend, st.content.Backend())
	n, err := node.New(ctx, nodeConfig(cfg), node.Deps{
		State:          st.state,
		Content:        st.content,
		Ledger:         st.ledger,
		Gate:           gate,
		Oracle:         oracle,
		Verifier:       signature.Ed25519{},
		Logger:         logger,
		Metrics:        collector,
		TracerProvider: tp,
	})
	if err != nil {
		return err
	}

	srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewRouter(n, logger.Named("http")), logger.Named("http"))
	if err := srv.Start(); err != nil {
		return errors.Join(err, n.Shutdown(context.Background()))
	}
	n.OnShutdown("http listener", srv)
	if closer, ok := oracle.(io.Closer); ok {
		n.OnShutdown("eligibility oracle", closer)
	}

	if err := n.Start(ctx); err != nil {
		return errors.Join(err, n.Shutdown(context.Background()))
	}
	if ready != nil {
		ready(srv.Addr())
	}
	logger.Info("node serving", map[string]any{
		"addr":    srv.Addr(),
		"state":   cfg.State.Backend,
		"content": cfg.Content.Backend,
		"ledger":  cfg.Ledger.Backend,
		"auth":    cfg.Auth.Mode,
	})

	<-ctx.Done()
	logger.Info("shutdown requested", nil)

	err = n.Shutdown(context.Background())
	snap := collector.Snapshot()
	logger.Info("serve totals", map[string]any{
		"bundles_committed":    snap.BundlesCommitted,
		"intentions_committed": snap.IntentionsCommitted,
		"intentions_accepted":  snap.IntentionsAccepted,
		"intentions_rejected":  snap.IntentionsRejected,
	})
	return err
}

// levelOf is the zap level for a validated config.
func levelOf(cfg *config.Config) zapcore.Level {
	level, _ := log.ParseLevel(cfg.Log.Level)
	return level
}
