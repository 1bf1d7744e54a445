package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"zippcall/internal/infrastructure"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.Info("ledger service starting")
	if err := app.Run(ctx); err != nil {
		slog.Error("ledger service stopped with error", "error", err)
		cleanup()
		os.Exit(1)
	}
	slog.Info("ledger service stopped")
}
