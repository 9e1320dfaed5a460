// Command relay runs the topic relay broker and its publish/subscribe clients.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Build-time variables set via ldflags
var (
	Version = "dev"
	Commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		newPrinter(os.Stderr).Failure("error: %v", err)
		stop()
		os.Exit(1)
	}
}
