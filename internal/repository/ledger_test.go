package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zippcall/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, policy model.BalancePolicy) (*LedgerRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	repo := NewLedgerRepo(mock, policy)
	repo.now = func() time.Time { return fixedNow }
	repo.newID = func() string { return "txn-1" }
	repo.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
	}
	return repo, mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func expectFreshApply(mock pgxmock.PgxPoolIface, m model.Mutation, balance, version int64) {
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_events`).
		WithArgs(m.Type.Source(), m.EventID, m.UserID, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO accounts`).
		WithArgs(m.UserID, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT balance, version FROM accounts WHERE user_id = \$1 FOR UPDATE`).
		WithArgs(m.UserID).
		WillReturnRows(pgxmock.NewRows([]string{"balance", "version"}).AddRow(balance, version))
}

func TestLedgerRepo_Apply_Deposit(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})
	m := model.Mutation{UserID: "u1", EventID: "pay-1", Type: model.TypeDeposit, AmountCents: 1000}

	expectFreshApply(mock, m, 250, 3)
	mock.ExpectExec(`UPDATE accounts SET balance`).
		WithArgs(int64(1250), fixedNow, "u1", int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(anyArgs(16)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE ledger_events`).
		WithArgs("deposit", "pay-1", "txn-1", int64(1250), int64(4), fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := repo.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), res.NewBalance)
	assert.Equal(t, int64(4), res.Version)
	assert.Equal(t, "txn-1", res.TransactionID)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, model.TypeDeposit, res.Transaction.Type)
	assert.Equal(t, int64(1250), res.Transaction.BalanceAfterCents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_Apply_CallChargeRecordsPricing(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})
	m := model.Mutation{
		UserID: "u1", EventID: "call-7", Type: model.TypeCallCharge, AmountCents: -4,
		Call: &model.CallDetails{
			CallID: "call-7", Destination: "US", DurationSeconds: 95, BillableSeconds: 96,
			RatePerUnit: decimal.RequireFromString("0.024"), RateTableVersion: 2,
		},
	}

	expectFreshApply(mock, m, 100, 0)
	mock.ExpectExec(`UPDATE accounts SET balance`).
		WithArgs(int64(96), fixedNow, "u1", int64(0)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(append([]any{"txn-1", "u1", "call-7", "call-charge", int64(-4)}, anyArgs(11)...)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE ledger_events`).
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := repo.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(96), res.NewBalance)
	assert.Equal(t, int64(96), res.Transaction.Call.BillableSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_Apply_InsufficientFunds(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})
	m := model.Mutation{UserID: "u1", EventID: "call-1", Type: model.TypeCallCharge, AmountCents: -500}

	expectFreshApply(mock, m, 100, 1)
	mock.ExpectRollback()

	_, err := repo.Apply(context.Background(), m)
	require.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_Apply_OverdraftGrace(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{OverdraftLimitCents: 50})
	m := model.Mutation{UserID: "u1", EventID: "call-2", Type: model.TypeCallCharge, AmountCents: -130}

	expectFreshApply(mock, m, 100, 1)
	mock.ExpectExec(`UPDATE accounts SET balance`).
		WithArgs(int64(-30), fixedNow, "u1", int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(anyArgs(16)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE ledger_events`).
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := repo.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(-30), res.NewBalance)
}

func TestLedgerRepo_Apply_DuplicateReplaysResult(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})
	m := model.Mutation{UserID: "u1", EventID: "pay-1", Type: model.TypeDeposit, AmountCents: 1000}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_events`).
		WithArgs("deposit", "pay-1", "u1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FROM ledger_events WHERE source = \$1 AND event_id = \$2`).
		WithArgs("deposit", "pay-1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "state", "transaction_id", "balance_after", "version"}).
			AddRow("u1", "completed", "txn-0", int64(1000), int64(1)))
	mock.ExpectRollback()

	res, err := repo.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(1000), res.NewBalance)
	assert.Equal(t, "txn-0", res.TransactionID)
	assert.Nil(t, res.Transaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_Apply_EventOwnedByAnotherUser(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})
	m := model.Mutation{UserID: "u2", EventID: "pay-1", Type: model.TypeDeposit, AmountCents: 1000}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_events`).
		WithArgs("deposit", "pay-1", "u2", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FROM ledger_events WHERE source = \$1 AND event_id = \$2`).
		WithArgs("deposit", "pay-1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "state", "transaction_id", "balance_after", "version"}).
			AddRow("u1", "completed", "txn-0", int64(1000), int64(1)))
	mock.ExpectRollback()

	_, err := repo.Apply(context.Background(), m)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "event_id", verr.Field)
}

func TestLedgerRepo_Apply_RetriesVersionConflict(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})
	m := model.Mutation{UserID: "u1", EventID: "pay-9", Type: model.TypeDeposit, AmountCents: 10}

	expectFreshApply(mock, m, 0, 0)
	mock.ExpectExec(`UPDATE accounts SET balance`).
		WithArgs(int64(10), fixedNow, "u1", int64(0)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	expectFreshApply(mock, m, 5, 1)
	mock.ExpectExec(`UPDATE accounts SET balance`).
		WithArgs(int64(15), fixedNow, "u1", int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(anyArgs(16)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE ledger_events`).
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := repo.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(15), res.NewBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_Apply_CallIDMatchingADepositIsNotADuplicate(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})
	m := model.Mutation{UserID: "u1", EventID: "evt-42", Type: model.TypeCallCharge, AmountCents: -4}

	// a deposit "evt-42" exists, but under source "deposit": the call reservation goes through
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_events`).
		WithArgs("call", "evt-42", "u1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO accounts`).
		WithArgs("u1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT balance, version FROM accounts`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"balance", "version"}).AddRow(int64(1000), int64(1)))
	mock.ExpectExec(`UPDATE accounts SET balance`).
		WithArgs(int64(996), fixedNow, "u1", int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(anyArgs(16)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE ledger_events`).
		WithArgs("call", "evt-42", "txn-1", int64(996), int64(2), fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := repo.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(996), res.NewBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_LookupEvent(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})
	cols := []string{"user_id", "state", "transaction_id", "balance_after", "version"}

	mock.ExpectQuery(`FROM ledger_events WHERE source = \$1 AND event_id = \$2`).
		WithArgs("call", "c1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("u1", "completed", "txn-7", int64(996), int64(2)))
	res, err := repo.LookupEvent(context.Background(), model.TypeCallCharge, "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(996), res.NewBalance)
	assert.Equal(t, "txn-7", res.TransactionID)

	mock.ExpectQuery(`FROM ledger_events`).
		WithArgs("call", "c2").
		WillReturnError(pgx.ErrNoRows)
	res, err = repo.LookupEvent(context.Background(), model.TypeCallCharge, "u1", "c2")
	require.NoError(t, err)
	assert.Nil(t, res)

	mock.ExpectQuery(`FROM ledger_events`).
		WithArgs("call", "c1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("u9", "completed", "txn-7", int64(996), int64(2)))
	_, err = repo.LookupEvent(context.Background(), model.TypeCallCharge, "u1", "c1")
	require.ErrorIs(t, err, model.ErrValidation)

	mock.ExpectQuery(`FROM ledger_events`).
		WithArgs("call", "c3").
		WillReturnError(errors.New("connection reset"))
	_, err = repo.LookupEvent(context.Background(), model.TypeCallCharge, "u1", "c3")
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_Apply_StoreDown(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})
	m := model.Mutation{UserID: "u1", EventID: "pay-3", Type: model.TypeDeposit, AmountCents: 10}

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := repo.Apply(context.Background(), m)
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.True(t, model.Retryable(err))
}

func TestLedgerRepo_Apply_SerializationFailureExhaustsRetries(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})
	m := model.Mutation{UserID: "u1", EventID: "pay-4", Type: model.TypeDeposit, AmountCents: 10}

	for range 3 {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO ledger_events`).
			WithArgs("deposit", "pay-4", "u1", fixedNow).
			WillReturnError(&pgconn.PgError{Code: sqlSerializationFailure})
		mock.ExpectRollback()
	}

	_, err := repo.Apply(context.Background(), m)
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_Apply_RejectsInvalidMutation(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})

	_, err := repo.Apply(context.Background(), model.Mutation{UserID: "u1", EventID: "e", Type: model.TypeDeposit, AmountCents: -5})
	require.ErrorIs(t, err, model.ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_GetAccount_NotFound(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})

	mock.ExpectQuery(`FROM accounts WHERE user_id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetAccount(context.Background(), "ghost")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestLedgerRepo_ListTransactions(t *testing.T) {
	repo, mock := newTestLedger(t, model.BalancePolicy{})

	cols := []string{"id", "user_id", "event_id", "type", "amount", "currency", "status", "balance_after", "description",
		"call_id", "destination", "duration_seconds", "billable_seconds", "rate_per_unit", "rate_table_version", "created_at"}
	mock.ExpectQuery(`FROM transactions`).
		WithArgs("u1", MaxListLimit).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("t2", "u1", "call-1", "call-charge", int64(-4), "USD", "completed", int64(996), "",
				"call-1", "US", int64(95), int64(96), "0.024", int64(2), fixedNow).
			AddRow("t1", "u1", "pay-1", "deposit", int64(1000), "USD", "completed", int64(1000), "",
				"", "", int64(0), int64(0), "0", int64(0), fixedNow.Add(-time.Minute)))

	txns, err := repo.ListTransactions(context.Background(), "u1", 5000)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "t2", txns[0].ID)
	require.NotNil(t, txns[0].Call)
	assert.True(t, decimal.RequireFromString("0.024").Equal(txns[0].Call.RatePerUnit))
	assert.Equal(t, uint64(2), txns[0].Call.RateTableVersion)
	assert.Nil(t, txns[1].Call)
	assert.Equal(t, model.TypeDeposit, txns[1].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, clampLimit(0))
	assert.Equal(t, DefaultListLimit, clampLimit(-3))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxListLimit, clampLimit(MaxListLimit+1))
}
