package cmd

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cairn/cli/config"
	"github.com/pithecene-io/cairn/cli/render"
	"github.com/pithecene-io/cairn/state"
)

// DefaultHistoryLimit is the number of records shown by `cairn state`.
const DefaultHistoryLimit = 20

// StateView is the response for the state command.
type StateView struct {
	Sequence  uint64         `json:"sequence" yaml:"sequence"`
	ContentID string         `json:"content_id" yaml:"content_id"`
	Writers   int            `json:"writers" yaml:"writers"`
	History   []state.Record `json:"history" yaml:"history"`
}

// StateCommand returns the state command.
// It reads the durable proposer state directly and never contacts the
// ledger or content store.
func StateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Show the proposer head and recent bundle history",
		Flags: append(ReadOnlyFlags(),
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of history records to show",
				Value: DefaultHistoryLimit,
			},
			&cli.BoolFlag{
				Name:  "history",
				Usage: "Render only the history records",
			},
		),
		Action: stateAction,
	}
}

func stateAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := config.Resolve(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), ExitError)
	}

	ctx, cancel := withTimeout(c.Context)
	defer cancel()

	store, err := openState(ctx, cfg.State)
	if err != nil {
		return exitFor(err)
	}
	tracker := state.NewTracker(store)
	defer func() { _ = tracker.Close() }()

	view, err := loadStateView(ctx, tracker, c.Int("limit"))
	if err != nil {
		return exitFor(err)
	}
	if c.Bool("history") {
		return r.Render(view.History)
	}
	return r.Render(view)
}

func loadStateView(ctx context.Context, tracker *state.Tracker, limit int) (StateView, error) {
	snap, err := tracker.Load(ctx)
	if err != nil {
		return StateView{}, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	history, err := tracker.History(ctx, limit)
	if err != nil {
		return StateView{}, err
	}
	if history == nil {
		history = []state.Record{}
	}
	return StateView{
		Sequence:  snap.Sequence,
		ContentID: snap.ContentID,
		Writers:   len(snap.Nonces),
		History:   history,
	}, nil
}
