package service

import (
	"context"

	"zippcall/internal/event"
	"zippcall/internal/model"
	"zippcall/internal/pricing"
)

// LedgerService defines the business operations for the ledger.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on the concrete processor.
type LedgerService interface {
	// Handle authenticates a raw notification, parses it and processes it.
	Handle(ctx context.Context, kind event.Kind, payload []byte, signature string) (Result, error)
	Process(ctx context.Context, ev event.Event) (Result, error)
	Adjust(ctx context.Context, req AdjustRequest) (Result, error)

	EnsureAccount(ctx context.Context, userID string) (*model.Account, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)

	GetRate(ctx context.Context, destination string) (pricing.Rate, error)
	Rates(ctx context.Context) ([]pricing.Rate, error)
	ReplaceRates(ctx context.Context, entries []model.RateEntry) (uint64, error)
	QuoteCall(ctx context.Context, destination string, durationSeconds int64) (Quote, error)
	AuthorizeCall(ctx context.Context, userID, destination string) (Authorization, error)
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
)

// Result is the acknowledgement returned to the sender of an event.
type Result struct {
	Outcome       Outcome `json:"outcome"`
	EventID       string  `json:"event_id"`
	UserID        string  `json:"user_id"`
	AmountCents   int64   `json:"amount_cents"`
	NewBalance    int64   `json:"new_balance_cents"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

type AdjustRequest struct {
	UserID      string `json:"user_id" validate:"required,max=128"`
	EventID     string `json:"event_id" validate:"required,max=255"`
	AmountCents int64  `json:"amount_cents" validate:"ne=0"`
	Reason      string `json:"reason" validate:"required,max=500"`
}

type Quote struct {
	Rate            pricing.Rate `json:"rate"`
	DurationSeconds int64        `json:"duration_seconds"`
	BillableSeconds int64        `json:"billable_seconds"`
	AmountCents     int64        `json:"amount_cents"`
}

// Authorization tells the telephony layer how long a call may last before the balance runs out.
type Authorization struct {
	UserID       string       `json:"user_id"`
	Rate         pricing.Rate `json:"rate"`
	BalanceCents int64        `json:"balance_cents"`
	MaxSeconds   int64        `json:"max_seconds"`
	Allowed      bool         `json:"allowed"`
}
