// Command pinpoint resolves fuzzy product descriptions to canonical product
// pages, one at a time over HTTP or in bulk over a catalogue file.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("pinpoint failed", "err", err)
		os.Exit(1)
	}
}
