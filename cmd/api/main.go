package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"payflow/internal/infrastructure"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.Info("payflow engine starting")

	if err := app.Run(ctx); err != nil {
		slog.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("payflow engine stopped")
}
