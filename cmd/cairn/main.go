// Package main provides the cairn CLI entrypoint.
//
// Usage:
//
//	cairn <command> [subcommand] [options]
//
// Exit codes:
//   - 0: success
//   - 1: error
//   - 2: durable proposer state is corrupt; the node refuses to start
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cairn/cli/cmd"
	"github.com/pithecene-io/cairn/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "cairn",
		Usage:          "Intention sequencing node",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.StateCommand(),
			cmd.BundleCommand(),
			cmd.KeygenCommand(),
			cmd.SignCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(cmd.ExitError)
	}
}

// exitErrHandler preserves exit codes from cli.Exit and prints messages.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	os.Exit(report(os.Stderr, err))
}

// report writes err to w and returns the process exit code.
func report(w io.Writer, err error) int {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(w, msg)
		}
		return code
	}

	fmt.Fprintf(w, "Error: %v\n", err)
	if errors.Is(err, types.ErrStateCorruption) {
		return cmd.ExitStateCorruption
	}
	return cmd.ExitError
}
