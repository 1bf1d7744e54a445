package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"zippcall/internal/model"
	"zippcall/internal/repository"
)

// AccountReader is the committed side of the ledger.
type AccountReader interface {
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
}

// BalanceProjector keeps the balance read cache in step with committed transactions.
// Bus events only say which account changed: the balance and version written to the cache
// are always re-read from the ledger, so a stale or forged event cannot plant a value.
type BalanceProjector struct {
	accounts AccountReader
	cache    repository.BalanceCache
}

func NewBalanceProjector(accounts AccountReader, cache repository.BalanceCache) *BalanceProjector {
	return &BalanceProjector{accounts: accounts, cache: cache}
}

func (p *BalanceProjector) Project(ctx context.Context, ev model.TransactionEvent) error {
	if ev.UserID == "" {
		return model.Invalid("user_id", "is required")
	}
	acc, err := p.accounts.GetAccount(ctx, ev.UserID)
	if errors.Is(err, model.ErrNotFound) {
		slog.Warn("projector: event for unknown account ignored", "user_id", ev.UserID, "transaction_id", ev.TransactionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read account %s: %w", ev.UserID, err)
	}
	stored, err := p.cache.SetBalance(ctx, acc.UserID, acc.BalanceCents, acc.Version)
	if err != nil {
		return fmt.Errorf("project balance for %s: %w", ev.UserID, err)
	}
	if !stored {
		slog.Debug("projector: cache already current", "user_id", ev.UserID, "version", acc.Version)
	}
	return nil
}

// TransactionWorker listens on the "transactions.created" NATS topic
// and feeds every event to a TransactionSink.
type TransactionWorker struct {
	sink     repository.TransactionSink
	natsConn *nats.Conn
}

func NewTransactionWorker(sink repository.TransactionSink, nc *nats.Conn) *TransactionWorker {
	return &TransactionWorker{
		sink:     sink,
		natsConn: nc,
	}
}

func (w *TransactionWorker) handle(ctx context.Context, data []byte) {
	var ev model.TransactionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Error("worker: failed to unmarshal nats message", "error", err)
		return
	}
	if err := w.sink.Project(ctx, ev); err != nil {
		slog.Error("worker: failed to project transaction",
			"user_id", ev.UserID,
			"transaction_id", ev.TransactionID,
			"error", err,
		)
		return
	}
	slog.Debug("worker: transaction projected", "user_id", ev.UserID, "version", ev.Version)
}

// Run subscribes to "transactions.created" and blocks until ctx is cancelled.
func (w *TransactionWorker) Run(ctx context.Context) error {
	// QueueSubscribe ensures that messages are processed in parallel,
	// but each message will be received by only one worker in the group.
	sub, err := w.natsConn.QueueSubscribe(repository.TopicTransactionCreated, "projector_group", func(m *nats.Msg) {
		w.handle(ctx, m.Data)
	})
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("Transaction worker is running")

	// Wait for shutdown signal.
	<-ctx.Done()

	slog.Info("Worker received shutdown signal, draining subscription...")
	// Close subscription gracefully, waiting for current processing to complete.
	return sub.Drain()
}

// Start implements the infrastructure.Server interface.
func (w *TransactionWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *TransactionWorker) Stop(ctx context.Context) error {
	return nil
}
