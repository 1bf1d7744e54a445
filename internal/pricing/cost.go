package pricing

import (
	"github.com/shopspring/decimal"

	"zippcall/internal/model"
)

// Calculator converts a call duration into money. UnitSeconds is the time unit the rate is
// quoted in; rate and increment only need to agree with it.
type Calculator struct {
	UnitSeconds int64
}

// PerMinute is the convention used by the rate table: prices are per 60 seconds.
var PerMinute = Calculator{UnitSeconds: 60}

type Cost struct {
	BillableSeconds int64
	Amount          decimal.Decimal
}

// BillableSeconds rounds duration up to the next whole increment.
func BillableSeconds(duration, increment int64) int64 {
	if duration <= 0 {
		return 0
	}
	return (duration + increment - 1) / increment * increment
}

func (c Calculator) Compute(ratePerUnit decimal.Decimal, increment int, duration int64) (Cost, error) {
	if increment <= 0 {
		return Cost{}, model.Invalid("billing_increment_seconds", "must be > 0")
	}
	if duration < 0 {
		return Cost{}, model.Invalid("duration_seconds", "must be >= 0")
	}
	if ratePerUnit.IsNegative() {
		return Cost{}, model.Invalid("rate", "must be >= 0")
	}
	billable := BillableSeconds(duration, int64(increment))
	if billable == 0 {
		return Cost{Amount: decimal.Zero}, nil
	}
	amount := ratePerUnit.Mul(decimal.NewFromInt(billable)).Div(decimal.NewFromInt(c.unit()))
	return Cost{BillableSeconds: billable, Amount: amount}, nil
}

// MaxDuration returns the longest billable duration whose cost fits in budgetCents.
// limited is false when the rate is zero and any duration fits.
func (c Calculator) MaxDuration(ratePerUnit decimal.Decimal, increment int, budgetCents int64) (seconds int64, limited bool) {
	if increment <= 0 {
		return 0, true
	}
	perIncrement := ratePerUnit.Mul(decimal.NewFromInt(int64(increment))).Div(decimal.NewFromInt(c.unit()))
	if !perIncrement.IsPositive() {
		return 0, false
	}
	if budgetCents <= 0 {
		return 0, true
	}
	// Charges round half up to whole cents, so n increments fit while n·cost < budget + ½¢.
	centsPerIncrement := perIncrement.Shift(2)
	n := decimal.NewFromInt(budgetCents).Add(decimal.New(5, -1)).Div(centsPerIncrement).Floor().IntPart()
	fits := func(n int64) bool {
		amount := ratePerUnit.Mul(decimal.NewFromInt(n * int64(increment))).Div(decimal.NewFromInt(c.unit()))
		return ToCents(amount) <= budgetCents
	}
	// Div is inexact at its last digit; settle on the exact boundary
	for n > 0 && !fits(n) {
		n--
	}
	for fits(n + 1) {
		n++
	}
	return n * int64(increment), true
}

func (c Calculator) unit() int64 {
	if c.UnitSeconds <= 0 {
		return 60
	}
	return c.UnitSeconds
}

// ToCents rounds a USD amount to whole cents, half away from zero.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
