package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"zippcall/internal/model"
)

// LedgerRepo is the Postgres account mutator. Each Apply is one database transaction in which
// the event reservation, the balance update and the transaction record commit together.
type LedgerRepo struct {
	db      DB
	policy  model.BalancePolicy
	backoff func() retry.Backoff
	now     func() time.Time
	newID   func() string
}

func NewLedgerRepo(db DB, policy model.BalancePolicy) *LedgerRepo {
	return &LedgerRepo{
		db:      db,
		policy:  policy,
		backoff: defaultBackoff,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
}

func (r *LedgerRepo) Apply(ctx context.Context, m model.Mutation) (*model.MutationResult, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var res *model.MutationResult
	err := withRetry(ctx, r.backoff(), func(ctx context.Context) error {
		var err error
		res, err = r.apply(ctx, m)
		return err
	})
	if err != nil {
		return nil, classify("apply mutation", err)
	}
	return res, nil
}

func (r *LedgerRepo) apply(ctx context.Context, m model.Mutation) (*model.MutationResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := r.now()

	// Reserve the event. A concurrent transaction holding the same id makes this wait for it;
	// once that one commits the insert is a no-op and we replay its result.
	source := m.Type.Source()
	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_events (source, event_id, user_id, state, reserved_at)
		VALUES ($1, $2, $3, 'reserved', $4)
		ON CONFLICT (source, event_id) DO NOTHING`, source, m.EventID, m.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("reserve event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.replay(ctx, tx, m)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, version, created_at, updated_at)
		VALUES ($1, 0, 0, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`, m.UserID, now); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	var balance, version int64
	err = tx.QueryRow(ctx, `SELECT balance, version FROM accounts WHERE user_id = $1 FOR UPDATE`, m.UserID).
		Scan(&balance, &version)
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}

	if !r.policy.Permits(m.Type, balance, m.AmountCents) {
		return nil, fmt.Errorf("balance %d, debit %d: %w", balance, -m.AmountCents, model.ErrInsufficientFunds)
	}
	newBalance := balance + m.AmountCents

	tag, err = tx.Exec(ctx, `
		UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2
		WHERE user_id = $3 AND version = $4`, newBalance, now, m.UserID, version)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errVersionConflict
	}

	txn := &model.Transaction{
		ID:                r.newID(),
		UserID:            m.UserID,
		EventID:           m.EventID,
		Type:              m.Type,
		AmountCents:       m.AmountCents,
		Currency:          model.Currency,
		Status:            model.StatusCompleted,
		BalanceAfterCents: newBalance,
		Description:       m.Description,
		Call:              m.Call,
		CreatedAt:         now,
	}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ledger_events
		SET state = 'completed', transaction_id = $3, balance_after = $4, version = $5, completed_at = $6
		WHERE source = $1 AND event_id = $2`, source, m.EventID, txn.ID, newBalance, version+1, now); err != nil {
		return nil, fmt.Errorf("complete event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &model.MutationResult{
		NewBalance:    newBalance,
		Version:       version + 1,
		TransactionID: txn.ID,
		Transaction:   txn,
	}, nil
}

const selectLedgerEvent = `
	SELECT user_id, state, COALESCE(transaction_id, ''), COALESCE(balance_after, 0), COALESCE(version, 0)
	FROM ledger_events WHERE source = $1 AND event_id = $2`

func (r *LedgerRepo) replay(ctx context.Context, tx pgx.Tx, m model.Mutation) (*model.MutationResult, error) {
	res, err := scanLedgerEvent(tx.QueryRow(ctx, selectLedgerEvent, m.Type.Source(), m.EventID), m.UserID)
	if err != nil {
		return nil, fmt.Errorf("load processed event: %w", err)
	}
	if res == nil {
		return nil, model.ErrEventInFlight
	}
	return res, nil
}

// LookupEvent returns the recorded result of a completed event, or nil when the event was
// never applied or is still being applied.
func (r *LedgerRepo) LookupEvent(ctx context.Context, t model.TransactionType, userID, eventID string) (*model.MutationResult, error) {
	res, err := scanLedgerEvent(r.db.QueryRow(ctx, selectLedgerEvent, t.Source(), eventID), userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("lookup event", err)
	}
	return res, nil
}

// scanLedgerEvent returns nil for a reservation that has not completed.
func scanLedgerEvent(row pgx.Row, userID string) (*model.MutationResult, error) {
	var owner, state, txnID string
	var balanceAfter, version int64
	if err := row.Scan(&owner, &state, &txnID, &balanceAfter, &version); err != nil {
		return nil, err
	}
	if owner != userID {
		return nil, model.Invalid("event_id", "was already used for another account")
	}
	if state != model.StatusCompleted {
		return nil, nil
	}
	return &model.MutationResult{
		NewBalance:    balanceAfter,
		Version:       version,
		Duplicate:     true,
		TransactionID: txnID,
	}, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *model.Transaction) error {
	var (
		callID, destination, rate *string
		duration, billable        *int64
		rateVersion               *int64
	)
	if c := t.Call; c != nil {
		r := c.RatePerUnit.String()
		v := int64(c.RateTableVersion)
		callID, destination, rate = &c.CallID, &c.Destination, &r
		duration, billable, rateVersion = &c.DurationSeconds, &c.BillableSeconds, &v
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (
			id, user_id, event_id, type, amount, currency, status, balance_after, description,
			call_id, destination, duration_seconds, billable_seconds, rate_per_unit, rate_table_version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::text::numeric, $15, $16)`,
		t.ID, t.UserID, t.EventID, string(t.Type), t.AmountCents, t.Currency, t.Status, t.BalanceAfterCents, t.Description,
		callID, destination, duration, billable, rate, rateVersion, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *LedgerRepo) EnsureAccount(ctx context.Context, userID string) (*model.Account, error) {
	if userID == "" {
		return nil, model.Invalid("user_id", "is required")
	}
	now := r.now()
	if _, err := r.db.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, version, created_at, updated_at)
		VALUES ($1, 0, 0, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, now); err != nil {
		return nil, classify("ensure account", err)
	}
	return r.GetAccount(ctx, userID)
}

func (r *LedgerRepo) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var acc model.Account
	err := r.db.QueryRow(ctx, `
		SELECT user_id, balance, version, created_at, updated_at
		FROM accounts WHERE user_id = $1`, userID).
		Scan(&acc.UserID, &acc.BalanceCents, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %q: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get account", err)
	}
	return &acc, nil
}

// ListTransactions returns the most recent transactions first.
func (r *LedgerRepo) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, event_id, type, amount, currency, status, balance_after, COALESCE(description, ''),
			COALESCE(call_id, ''), COALESCE(destination, ''), COALESCE(duration_seconds, 0),
			COALESCE(billable_seconds, 0), COALESCE(rate_per_unit::text, '0'), COALESCE(rate_table_version, 0),
			created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`, userID, clampLimit(limit))
	if err != nil {
		return nil, classify("list transactions", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var (
			t                  model.Transaction
			typ, callID, dest  string
			rate               string
			duration, billable int64
			rateVersion        int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.EventID, &typ, &t.AmountCents, &t.Currency, &t.Status,
			&t.BalanceAfterCents, &t.Description, &callID, &dest, &duration, &billable, &rate, &rateVersion,
			&t.CreatedAt); err != nil {
			return nil, classify("scan transaction", err)
		}
		t.Type = model.TransactionType(typ)
		if callID != "" {
			perUnit, err := decimal.NewFromString(rate)
			if err != nil {
				return nil, fmt.Errorf("transaction %s: bad rate %q: %w", t.ID, rate, err)
			}
			t.Call = &model.CallDetails{
				CallID:           callID,
				Destination:      dest,
				DurationSeconds:  duration,
				BillableSeconds:  billable,
				RatePerUnit:      perUnit,
				RateTableVersion: uint64(rateVersion),
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list transactions", err)
	}
	return out, nil
}
