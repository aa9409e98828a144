package cmd

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cairn/canon"
	"github.com/pithecene-io/cairn/cli/config"
	"github.com/pithecene-io/cairn/cli/render"
	"github.com/pithecene-io/cairn/contentstore"
	"github.com/pithecene-io/cairn/transport/httpapi"
)

// BundleCommand returns the bundle command with subcommands.
func BundleCommand() *cli.Command {
	return &cli.Command{
		Name:  "bundle",
		Usage: "Inspect committed bundles in the content store",
		Subcommands: []*cli.Command{
			bundleGetCommand(),
		},
	}
}

func bundleGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Fetch, verify and show a bundle by content id",
		ArgsUsage: "<content-id>",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "Write the stored bundle bytes to stdout instead of rendering",
			},
		),
		Action: bundleGetAction,
	}
}

func bundleGetAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: cairn bundle get <content-id>", ExitError)
	}
	contentID := c.Args().First()
	if err := canon.ValidateContentID(contentID); err != nil {
		return cli.Exit(err.Error(), ExitError)
	}

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

	store, err := openContent(ctx, cfg.Content)
	if err != nil {
		return exitFor(err)
	}
	defer func() { _ = store.Close() }()

	data, err := store.Get(ctx, contentID)
	if errors.Is(err, contentstore.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("bundle %s not found in %s content store", contentID, store.Backend()), ExitError)
	}
	if err != nil {
		return exitFor(err)
	}

	if c.Bool("raw") {
		_, err := c.App.Writer.Write(data)
		return err
	}

	b, err := canon.DecodeBundle(data)
	if err != nil {
		return exitFor(err)
	}
	return r.Render(httpapi.NewBundleView(b))
}
