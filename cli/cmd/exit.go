package cmd

import (
	"errors"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cairn/types"
)

// Exit codes.
const (
	ExitOK              = 0
	ExitError           = 1
	ExitStateCorruption = 2
)

// exitFor converts err into a cli.Exit carrying the matching exit code.
func exitFor(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrStateCorruption) {
		return cli.Exit(err.Error(), ExitStateCorruption)
	}
	return cli.Exit(err.Error(), ExitError)
}
