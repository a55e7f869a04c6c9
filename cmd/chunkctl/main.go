package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"chunkcast/internal/cli"
	"chunkcast/internal/platform/config"
)

func main() {
	_ = config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
