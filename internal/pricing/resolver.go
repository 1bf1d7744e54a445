package pricing

import (
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"zippcall/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Rate is the price a caller pays for one destination, resolved against a single table snapshot.
type Rate struct {
	Destination             string          `json:"destination"`
	BasePrice               decimal.Decimal `json:"base_price"`
	MarkupPercent           decimal.Decimal `json:"markup_percent"`
	EffectivePerUnit        decimal.Decimal `json:"effective_per_unit"`
	BillingIncrementSeconds int             `json:"billing_increment_seconds"`
	TableVersion            uint64          `json:"table_version"`
}

// Resolver applies the markup configuration to the current rate table snapshot.
type Resolver struct {
	table  atomic.Pointer[Table]
	markup model.MarkupConfig
}

func NewResolver(markup model.MarkupConfig) (*Resolver, error) {
	if err := markup.Validate(); err != nil {
		return nil, err
	}
	empty, _ := NewTable(0, nil)
	r := &Resolver{markup: markup}
	r.table.Store(empty)
	return r, nil
}

// Swap installs t if it is newer than the current snapshot and reports whether it did.
func (r *Resolver) Swap(t *Table) bool {
	for {
		cur := r.table.Load()
		if t.Version() <= cur.Version() {
			return false
		}
		if r.table.CompareAndSwap(cur, t) {
			return true
		}
	}
}

func (r *Resolver) Snapshot() *Table {
	return r.table.Load()
}

func (r *Resolver) GetRate(destination string) (model.RateEntry, error) {
	e, ok := r.Snapshot().Lookup(destination)
	if !ok {
		return model.RateEntry{}, fmt.Errorf("%q: %w", destination, model.ErrUnknownDestination)
	}
	return e, nil
}

// Resolve returns the effective per-unit rate: base * (1 + markup/100).
func (r *Resolver) Resolve(destination string) (Rate, error) {
	snap := r.Snapshot()
	e, ok := snap.Lookup(destination)
	if !ok {
		return Rate{}, fmt.Errorf("%q: %w", destination, model.ErrUnknownDestination)
	}
	pct := r.markup.PercentFor(e.Destination)
	return Rate{
		Destination:             e.Destination,
		BasePrice:               e.BasePrice,
		MarkupPercent:           pct,
		EffectivePerUnit:        e.BasePrice.Mul(decimal.NewFromInt(1).Add(pct.Div(hundred))),
		BillingIncrementSeconds: e.BillingIncrementSeconds,
		TableVersion:            snap.Version(),
	}, nil
}
