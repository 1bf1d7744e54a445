package worker

import (
	"context"
	"log/slog"
	"time"
)

type RateLoader interface {
	RefreshRates(ctx context.Context) (bool, error)
}

// RateRefresher reloads the rate table on a fixed interval so every instance picks up
// administrative changes made through any other instance.
type RateRefresher struct {
	loader   RateLoader
	interval time.Duration
}

func NewRateRefresher(loader RateLoader, interval time.Duration) *RateRefresher {
	return &RateRefresher{loader: loader, interval: interval}
}

func (r *RateRefresher) Start(ctx context.Context) error {
	if _, err := r.loader.RefreshRates(ctx); err != nil {
		slog.Error("rate refresher: initial load failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.loader.RefreshRates(ctx); err != nil {
				slog.Warn("rate refresher: reload failed, keeping current table", "error", err)
			}
		}
	}
}

func (r *RateRefresher) Stop(ctx context.Context) error {
	return nil
}
