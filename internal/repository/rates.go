package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"zippcall/internal/model"
)

// RateRepo stores the administrator-maintained rate table. Every bulk replace bumps the
// table version so resolvers can tell snapshots apart.
type RateRepo struct {
	db  DB
	now func() time.Time
}

func NewRateRepo(db DB) *RateRepo {
	return &RateRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// LoadRates reads the version and the rows from one consistent snapshot.
func (r *RateRepo) LoadRates(ctx context.Context) (uint64, []model.RateEntry, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return 0, nil, classify("load rates", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	if err := tx.QueryRow(ctx, `SELECT version FROM rate_table_meta WHERE id = 1`).Scan(&version); err != nil {
		return 0, nil, classify("load rate version", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT destination, country, base_price::text, billing_increment, updated_at
		FROM rates ORDER BY destination`)
	if err != nil {
		return 0, nil, classify("load rates", err)
	}
	defer rows.Close()

	var entries []model.RateEntry
	for rows.Next() {
		var e model.RateEntry
		var price string
		if err := rows.Scan(&e.Destination, &e.Country, &price, &e.BillingIncrementSeconds, &e.UpdatedAt); err != nil {
			return 0, nil, classify("scan rate", err)
		}
		if e.BasePrice, err = decimal.NewFromString(price); err != nil {
			return 0, nil, fmt.Errorf("rate %s: bad price %q: %w", e.Destination, price, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, classify("load rates", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, classify("load rates", err)
	}
	return uint64(version), entries, nil
}

// ReplaceRates swaps the whole table in one transaction and returns the new version.
func (r *RateRepo) ReplaceRates(ctx context.Context, entries []model.RateEntry) (uint64, error) {
	entries, err := normalizeRates(entries)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, classify("replace rates", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	if err := tx.QueryRow(ctx, `UPDATE rate_table_meta SET version = version + 1 WHERE id = 1 RETURNING version`).
		Scan(&version); err != nil {
		return 0, classify("bump rate version", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rates`); err != nil {
		return 0, classify("clear rates", err)
	}

	now := r.now()
	for _, e := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rates (destination, country, base_price, billing_increment, updated_at)
			VALUES ($1, $2, $3::text::numeric, $4, $5)`,
			e.Destination, e.Country, e.BasePrice.String(), e.BillingIncrementSeconds, now); err != nil {
			return 0, classify("insert rate "+e.Destination, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify("replace rates", err)
	}
	return uint64(version), nil
}

func normalizeRates(entries []model.RateEntry) ([]model.RateEntry, error) {
	seen := make(map[string]struct{}, len(entries))
	out := make([]model.RateEntry, 0, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		e.Destination = model.NormalizeDestination(e.Destination)
		if _, dup := seen[e.Destination]; dup {
			return nil, model.Invalid("destination", e.Destination+" is duplicated")
		}
		seen[e.Destination] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}
