package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const Currency = "USD"

type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeCallCharge TransactionType = "call-charge"
	TypeAdjustment TransactionType = "adjustment"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeCallCharge, TypeAdjustment:
		return true
	}
	return false
}

// Source names the id space an external event id belongs to. Payment session ids and
// telephony call ids are issued by different systems and may collide.
func (t TransactionType) Source() string {
	switch t {
	case TypeDeposit:
		return "deposit"
	case TypeCallCharge:
		return "call"
	case TypeAdjustment:
		return "adjustment"
	}
	return string(t)
}

const StatusCompleted = "completed"

type Account struct {
	UserID       string    `json:"user_id"`
	BalanceCents int64     `json:"balance_cents"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CallDetails is the pricing context recorded on a call-charge transaction.
type CallDetails struct {
	CallID           string          `json:"call_id"`
	Destination      string          `json:"destination"`
	DurationSeconds  int64           `json:"duration_seconds"`
	BillableSeconds  int64           `json:"billable_seconds"`
	RatePerUnit      decimal.Decimal `json:"rate_per_unit"`
	RateTableVersion uint64          `json:"rate_table_version"`
}

// Transaction is an immutable record of one balance change.
type Transaction struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	EventID           string          `json:"event_id"`
	Type              TransactionType `json:"type"`
	AmountCents       int64           `json:"amount_cents"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	BalanceAfterCents int64           `json:"balance_after_cents"`
	Description       string          `json:"description,omitempty"`
	Call              *CallDetails    `json:"call,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Mutation is a request to change one account's balance on behalf of one external event.
type Mutation struct {
	UserID      string
	EventID     string
	Type        TransactionType
	AmountCents int64
	Description string
	Call        *CallDetails
}

// EventKey identifies the external event across sources, e.g. "call:c-123".
func (m Mutation) EventKey() string {
	return EventKey(m.Type, m.EventID)
}

func EventKey(t TransactionType, eventID string) string {
	return t.Source() + ":" + eventID
}

func (m Mutation) Validate() error {
	switch {
	case m.UserID == "":
		return Invalid("user_id", "is required")
	case m.EventID == "":
		return Invalid("event_id", "is required")
	case !m.Type.Valid():
		return Invalid("type", "is unknown")
	case m.AmountCents == 0:
		return Invalid("amount_cents", "must be non-zero")
	case m.Type == TypeDeposit && m.AmountCents < 0:
		return Invalid("amount_cents", "must be positive for deposits")
	case m.Type == TypeCallCharge && m.AmountCents > 0:
		return Invalid("amount_cents", "must be negative for call charges")
	}
	return nil
}

// MutationResult is what the account mutator reports back, both for fresh and replayed events.
type MutationResult struct {
	NewBalance    int64        `json:"new_balance"`
	Version       int64        `json:"version"`
	Duplicate     bool         `json:"duplicate"`
	TransactionID string       `json:"transaction_id"`
	Transaction   *Transaction `json:"transaction,omitempty"`
}

// BalancePolicy decides whether a debit may take the balance below zero.
// A zero OverdraftLimitCents is the strict policy.
type BalancePolicy struct {
	OverdraftLimitCents int64
}

func (p BalancePolicy) Permits(t TransactionType, balance, delta int64) bool {
	if delta >= 0 {
		return true
	}
	floor := int64(0)
	if t == TypeCallCharge {
		floor = -p.OverdraftLimitCents
	}
	return balance+delta >= floor
}

// TransactionEvent is published on the bus after a mutation commits.
type TransactionEvent struct {
	TransactionID     string          `json:"transaction_id"`
	UserID            string          `json:"user_id"`
	EventID           string          `json:"event_id"`
	Type              TransactionType `json:"type"`
	AmountCents       int64           `json:"amount_cents"`
	BalanceAfterCents int64           `json:"balance_after_cents"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
}

func NewTransactionEvent(tx *Transaction, version int64) TransactionEvent {
	return TransactionEvent{
		TransactionID:     tx.ID,
		UserID:            tx.UserID,
		EventID:           tx.EventID,
		Type:              tx.Type,
		AmountCents:       tx.AmountCents,
		BalanceAfterCents: tx.BalanceAfterCents,
		Version:           version,
		CreatedAt:         tx.CreatedAt,
	}
}
