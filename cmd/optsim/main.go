// Command optsim replays and paper-trades intraday options strategies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"optsim/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCmd(cli.NewApp()).ExecuteContext(ctx)
	stop()

	code := cli.ExitCode(err)
	if err != nil && code != cli.ExitOK {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(code)
}
