package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fivetwenty-io/secapi/cmd/secapi/commands"
	"github.com/fivetwenty-io/secapi/internal/constants"
)

var (
	commit = "none"
	date   = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd := commands.NewRootCommand(commands.BuildInfo{
		Version: constants.Version,
		Commit:  commit,
		Built:   date,
	})

	err := rootCmd.ExecuteContext(ctx)

	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
