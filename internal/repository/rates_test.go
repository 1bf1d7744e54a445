package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zippcall/internal/model"
)

func TestRateRepo_LoadRates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	mock.ExpectQuery(`SELECT version FROM rate_table_meta`).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectQuery(`FROM rates ORDER BY destination`).
		WillReturnRows(pgxmock.NewRows([]string{"destination", "country", "base_price", "billing_increment", "updated_at"}).
			AddRow("GB", "United Kingdom", "0.05", 60, fixedNow).
			AddRow("US", "United States", "0.02", 6, fixedNow))
	mock.ExpectCommit()

	version, entries, err := NewRateRepo(mock).LoadRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)
	require.Len(t, entries, 2)
	assert.True(t, decimal.RequireFromString("0.05").Equal(entries[0].BasePrice))
	assert.Equal(t, 6, entries[1].BillingIncrementSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateRepo_ReplaceRates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRateRepo(mock)
	repo.now = func() time.Time { return fixedNow }

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE rate_table_meta SET version = version \+ 1`).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(4)))
	mock.ExpectExec(`DELETE FROM rates`).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`INSERT INTO rates`).
		WithArgs("US", "United States", "0.02", 60, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	version, err := repo.ReplaceRates(context.Background(), []model.RateEntry{
		{Destination: " us ", Country: "United States", BasePrice: decimal.RequireFromString("0.02"), BillingIncrementSeconds: 60},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateRepo_ReplaceRates_RejectsDuplicates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	entry := model.RateEntry{Destination: "US", BasePrice: decimal.NewFromInt(1), BillingIncrementSeconds: 60}
	_, err = NewRateRepo(mock).ReplaceRates(context.Background(), []model.RateEntry{entry, entry})
	require.ErrorIs(t, err, model.ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet())
}
