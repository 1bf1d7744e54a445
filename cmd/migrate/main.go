package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"zippcall/internal/config"
	"zippcall/internal/repository"
)

const usage = `usage: migrate [-timeout 10m] <command> [args]

commands: up, up-to VERSION, down, down-to VERSION, status, redo, version`

func main() {
	timeout := flag.Duration("timeout", 10*time.Minute, "overall migration deadline")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.New()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	if cfg.Store != "postgres" {
		slog.Error("migrations need the postgres store", "store", cfg.Store)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := repository.RunMigrations(ctx, cfg.DSN(), args[0], args[1:]...); err != nil {
		slog.Error("migration failed", "command", args[0], "error", err)
		cancel()
		os.Exit(1)
	}
	slog.Info("migration finished", "command", args[0])
}
