package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext cancels the returned context on SIGINT or SIGTERM. Once
// the first signal lands the default disposition is restored, so a second
// signal kills the process outright if a drain hangs.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		stop()

		if parent.Err() == nil {
			logger.Info("shutting down, interrupt again to force quit")
		}
	}()

	return ctx
}
