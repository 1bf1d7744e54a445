package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"zippcall/internal/model"
)

// DB is the subset of *pgxpool.Pool the repositories use.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AccountStore is the account mutator plus its read side.
// Apply is the only way a balance or a transaction record is ever written.
type AccountStore interface {
	Apply(ctx context.Context, m model.Mutation) (*model.MutationResult, error)
	// LookupEvent reports a completed event's result without applying anything; nil when unknown.
	LookupEvent(ctx context.Context, t model.TransactionType, userID, eventID string) (*model.MutationResult, error)
	EnsureAccount(ctx context.Context, userID string) (*model.Account, error)
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
}

type RateStore interface {
	LoadRates(ctx context.Context) (uint64, []model.RateEntry, error)
	ReplaceRates(ctx context.Context, entries []model.RateEntry) (uint64, error)
}

// Reservation is the outcome of EventGate.Reserve.
// Exactly one caller sees First for a given event id until the reservation expires or is released.
type Reservation struct {
	First     bool
	Completed bool
	Result    *model.MutationResult
}

// EventGate is the front door of the idempotency ledger. It deduplicates deliveries that are
// in flight at the same time; the durable guarantee lives in the account store.
type EventGate interface {
	Reserve(ctx context.Context, eventID string) (Reservation, error)
	Complete(ctx context.Context, eventID string, result model.MutationResult) error
	Release(ctx context.Context, eventID string) error
}

// BalanceCache is the read model fed from committed transaction events.
type BalanceCache interface {
	GetBalance(ctx context.Context, userID string) (balance, version int64, ok bool, err error)
	SetBalance(ctx context.Context, userID string, balance, version int64) (bool, error)
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
