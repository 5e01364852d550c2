package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lemonade-sdk/lemonade/cmd/lemonade/commands"
)

// version is overridden at build time via -ldflags.
var version = "0.0.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewRootCmd(version).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
